package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/imgforge/imgforge/internal/config"
	"github.com/imgforge/imgforge/internal/history"
	"github.com/imgforge/imgforge/internal/modules"
	"github.com/imgforge/imgforge/internal/pipeline"
	"github.com/imgforge/imgforge/pkg/lock"
	"github.com/imgforge/imgforge/pkg/loopdev"
	"github.com/imgforge/imgforge/pkg/mount"
	"github.com/imgforge/imgforge/pkg/pack"
	"github.com/imgforge/imgforge/pkg/populate"
)

func newBuildCommand() *cobra.Command {
	var (
		size        string
		output      string
		configPath  string
		fsType      string
		compress    bool
		extractBoot bool
		cacheDir    string
		workDir     string
		historyDB   string
		lockDir     string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an image from a YAML configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, size, output, fsType)
			if err != nil {
				return err
			}
			return runBuild(cmd.Context(), slog.Default(), cfg, buildOptions{
				compress:    compress,
				extractBoot: extractBoot,
				cacheDir:    cacheDir,
				workDir:     workDir,
				historyDB:   historyDB,
				lockDir:     lockDir,
			})
		},
	}

	cmd.Flags().StringVarP(&size, "size", "s", "", "image size, e.g. 100M or 2G (overrides config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output artifact path (overrides config)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "build.yaml", "YAML build configuration file")
	cmd.Flags().StringVar(&fsType, "fs-type", "", "filesystem type to create (default ext4)")
	cmd.Flags().BoolVarP(&compress, "compress", "x", false, "bundle the image set into a tar.gz")
	cmd.Flags().BoolVar(&extractBoot, "extract-boot", true, "copy kernel and ramdisk out of the image")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "cache", "download cache for root tarballs")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory for scratch backing files (default temp dir)")
	cmd.Flags().StringVar(&historyDB, "history-db", "", "sqlite file recording build runs (disabled when empty)")
	cmd.Flags().StringVar(&lockDir, "lock-dir", "", "directory for build lock files (default temp dir)")
	return cmd
}

type buildOptions struct {
	compress    bool
	extractBoot bool
	cacheDir    string
	workDir     string
	historyDB   string
	lockDir     string
}

func runBuild(ctx context.Context, logger *slog.Logger, cfg *config.Config, opts buildOptions) error {
	src, err := newSource(cfg, opts.cacheDir, logger)
	if err != nil {
		return err
	}

	// One build per output path at a time; backing files are already
	// unique per run.
	outputKey, err := filepath.Abs(cfg.Output)
	if err != nil {
		return err
	}
	var locker lock.Locker = lock.NewFileLocker(opts.lockDir)
	buildLock, err := locker.Acquire(ctx, outputKey)
	if err != nil {
		return fmt.Errorf("acquire build lock: %w", err)
	}
	defer buildLock.Release()

	var db *sql.DB
	var runID string
	if opts.historyDB != "" {
		db, runID, err = startHistoryRun(ctx, opts.historyDB, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	devices := loopdev.NewManager()
	mounts := mount.NewScope()

	packager := pack.NewPackager(opts.compress)
	packager.ExtractBoot = opts.extractBoot
	packager.Devices = devices
	packager.Mounts = mounts
	packager.Logger = logger.With("component", "pack")

	p := &pipeline.Pipeline{
		Devices:   devices,
		Populator: populate.NewPopulator(cfg.FSType),
		Mounts:    mounts,
		Registry:  modules.Builtin(),
		Packager:  packager,
		Logger:    logger.With("component", "pipeline"),
		WorkDir:   opts.workDir,
	}

	result, runErr := p.Run(ctx, cfg, src)

	if db != nil {
		recordHistoryRun(db, runID, result, runErr)
	}

	if runErr != nil {
		if !result.Clean() {
			logger.Error("build failed with leaked resources", "cleanup_error", result.CleanupErr)
		}
		return runErr
	}

	fmt.Printf("artifact written to %s\n", result.ArtifactPath)
	return nil
}

func newSource(cfg *config.Config, cacheDir string, logger *slog.Logger) (populate.Source, error) {
	if cfg.Source.Image != "" {
		src, err := populate.NewImageSource(cfg.Source.Image)
		if err != nil {
			return nil, err
		}
		src.Logger = logger.With("component", "source")
		return src, nil
	}

	if cfg.Source.CacheDir == "" {
		cfg.Source.CacheDir = cacheDir
	}
	return &populate.TarballSource{
		From:     cfg.Source.From,
		CacheDir: cfg.Source.CacheDir,
		RootFile: cfg.Source.RootFile,
		Logger:   logger.With("component", "source"),
	}, nil
}

func startHistoryRun(ctx context.Context, path string, cfg *config.Config) (*sql.DB, string, error) {
	db, err := history.Open(path)
	if err != nil {
		return nil, "", err
	}
	if err := history.InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, "", err
	}
	run, err := history.InsertBuildRun(ctx, db, cfg.Output, len(cfg.Modules))
	if err != nil {
		db.Close()
		return nil, "", err
	}
	return db, run.ID, nil
}

// recordHistoryRun writes the terminal outcome; it deliberately uses a fresh
// context so a cancelled build still gets recorded.
func recordHistoryRun(db *sql.DB, runID string, result *pipeline.Result, runErr error) {
	status := history.StatusSucceeded
	errMsg := ""
	if runErr != nil {
		status = history.StatusFailed
		errMsg = runErr.Error()
	}
	if err := history.CompleteBuildRun(context.Background(), db, runID, status,
		result.FailedModule, result.ArtifactPath, errMsg); err != nil {
		slog.Warn("failed to record build run", "error", err)
	}
}
