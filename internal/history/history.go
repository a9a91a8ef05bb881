// Package history keeps a local sqlite record of build runs so past builds
// and their outcomes can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type BuildRun struct {
	ID           string     `json:"id"`
	Output       string     `json:"output"`
	Status       string     `json:"status"`
	Modules      int        `json:"modules"`
	FailedModule *string    `json:"failed_module,omitempty"`
	ArtifactPath *string    `json:"artifact_path,omitempty"`
	Error        *string    `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	return db, nil
}

func InitSchema(ctx context.Context, db *sql.DB) error {
	schema, err := migrationFiles.ReadFile("migration/001_initial.sql")
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}

	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// InsertBuildRun records the start of a build and returns its id.
func InsertBuildRun(ctx context.Context, db *sql.DB, output string, moduleCount int) (*BuildRun, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate build run id: %w", err)
	}
	now := time.Now().Unix()

	query := `
		INSERT INTO build_runs (id, output, status, modules, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(ctx, query, runID.String(), output, StatusRunning, moduleCount, now); err != nil {
		return nil, err
	}

	return &BuildRun{
		ID:        runID.String(),
		Output:    output,
		Status:    StatusRunning,
		Modules:   moduleCount,
		StartedAt: time.Unix(now, 0),
	}, nil
}

// CompleteBuildRun records a build's terminal outcome. failedModule,
// artifact and errMsg may be empty and are stored as NULL.
func CompleteBuildRun(ctx context.Context, db *sql.DB, runID, status, failedModule, artifact, errMsg string) error {
	query := `
		UPDATE build_runs
		SET status = ?, failed_module = ?, artifact_path = ?, error = ?, completed_at = ?
		WHERE id = ?
	`
	_, err := db.ExecContext(ctx, query,
		status, nullable(failedModule), nullable(artifact), nullable(errMsg),
		time.Now().Unix(), runID)
	return err
}

// RecentBuildRuns returns the most recent runs, newest first.
func RecentBuildRuns(ctx context.Context, db *sql.DB, limit int) ([]BuildRun, error) {
	query := `
		SELECT id, output, status, modules, failed_module, artifact_path, error, started_at, completed_at
		FROM build_runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []BuildRun
	for rows.Next() {
		var run BuildRun
		var startedAt int64
		var completedAt *int64
		if err := rows.Scan(&run.ID, &run.Output, &run.Status, &run.Modules,
			&run.FailedModule, &run.ArtifactPath, &run.Error, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(startedAt, 0)
		if completedAt != nil {
			t := time.Unix(*completedAt, 0)
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
