// Package pipeline drives a single image build end to end: module
// validation, device allocation, filesystem seeding, the module mount,
// sequential module execution, teardown and packaging. A build is
// all-or-nothing: any failure after allocation runs the full cleanup path
// before the result is reported.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/imgforge/imgforge/internal/config"
	"github.com/imgforge/imgforge/internal/modules"
	"github.com/imgforge/imgforge/pkg/loopdev"
	"github.com/imgforge/imgforge/pkg/mount"
	"github.com/imgforge/imgforge/pkg/populate"
)

// State names the pipeline's position; Result carries the terminal one.
type State string

const (
	StateIdle             State = "idle"
	StateValidating       State = "validating"
	StateDeviceReady      State = "device_ready"
	StateFilesystemSeeded State = "filesystem_seeded"
	StateMounted          State = "mounted"
	StateRunning          State = "running"
	StateUnmounting       State = "unmounting"
	StatePackaging        State = "packaging"
	StateDone             State = "done"
	StateAborting         State = "aborting"
	StateCleaningUp       State = "cleaning_up"
	StateFailed           State = "failed"
)

// BlockDevices allocates and releases the loop device backing a build.
type BlockDevices interface {
	Allocate(ctx context.Context, sizeBytes int64, backingPath string) (*loopdev.Device, error)
	Release(dev *loopdev.Device) error
}

// Seeder formats the device and extracts the source tree onto it.
type Seeder interface {
	Seed(ctx context.Context, dev *loopdev.Device, src populate.Source) error
}

// Mounter provides the module-facing mount of the seeded device.
type Mounter interface {
	Enter(ctx context.Context, dev *loopdev.Device) (*mount.Mount, error)
	Exit(m *mount.Mount) error
}

// ModuleRunner resolves and invokes configured modules.
type ModuleRunner interface {
	Validate(names []string) ([]modules.Descriptor, error)
	Invoke(ctx context.Context, d modules.Descriptor, root string, cfg map[string]any) error
}

// Packager turns the finished raw image into the output artifact. It runs
// only after the device has been released.
type Packager interface {
	Package(ctx context.Context, backingPath, outputPath string) (string, error)
}

// Pipeline wires the build steps together. One Run per build; independent
// builds may run concurrently as long as their backing paths differ, which
// is the caller's responsibility.
type Pipeline struct {
	Devices   BlockDevices
	Populator Seeder
	Mounts    Mounter
	Registry  ModuleRunner
	Packager  Packager
	Logger    *slog.Logger

	// WorkDir is where the scratch backing file is created. Defaults to
	// os.TempDir.
	WorkDir string
}

// Result is the terminal outcome of a run, constructed only after teardown
// has fully run. On success ArtifactPath is set; on a module failure
// FailedModule and FailedIndex identify the position in the configured list.
type Result struct {
	State        State
	ArtifactPath string
	BackingPath  string
	FailedModule string
	FailedIndex  int

	// CleanupErr is non-nil when teardown itself failed; the root cause
	// it accompanies is still the returned error.
	CleanupErr error
	Duration   time.Duration
}

// Clean reports whether teardown left no device or mount behind.
func (r *Result) Clean() bool {
	return r.CleanupErr == nil
}

// Run executes one build. The returned Result is always non-nil and
// terminal; err is nil exactly when the artifact was produced.
func (p *Pipeline) Run(ctx context.Context, cfg *config.Config, src populate.Source) (*Result, error) {
	start := time.Now()
	res := &Result{State: StateIdle, FailedIndex: -1}
	logger := p.logger().With("output", cfg.Output)

	finish := func(state State, err error) (*Result, error) {
		res.State = state
		res.Duration = time.Since(start)
		return res, err
	}

	// Validation runs before anything is allocated: a typo'd module name
	// must not cost a device attach.
	res.State = StateValidating
	descriptors, err := p.Registry.Validate(cfg.Modules)
	if err != nil {
		return finish(StateFailed, err)
	}
	logger.InfoContext(ctx, "modules validated", "count", len(descriptors))

	backing := filepath.Join(p.workDir(), "imgforge-"+uuid.NewString()+".raw")
	res.BackingPath = backing

	dev, err := p.Devices.Allocate(ctx, cfg.SizeBytes, backing)
	if err != nil {
		return finish(StateFailed, err)
	}
	res.State = StateDeviceReady
	logger.InfoContext(ctx, "device allocated", "device", dev.DevicePath, "backing", backing, "size_bytes", cfg.SizeBytes)

	// From here every failure goes through teardown: Exit before Release,
	// always, with cleanup errors attached as secondary context.
	var mnt *mount.Mount
	abort := func(cause error) (*Result, error) {
		res.State = StateAborting
		logger.WarnContext(ctx, "aborting build", "cause", cause)
		res.State = StateCleaningUp
		res.CleanupErr = p.teardown(mnt, dev)
		if res.CleanupErr != nil {
			logger.ErrorContext(ctx, "cleanup incomplete", "error", res.CleanupErr)
			return finish(StateFailed, errors.Join(cause, fmt.Errorf("cleanup: %w", res.CleanupErr)))
		}
		return finish(StateFailed, cause)
	}

	if err := p.Populator.Seed(ctx, dev, src); err != nil {
		return abort(err)
	}
	res.State = StateFilesystemSeeded

	mnt, err = p.Mounts.Enter(ctx, dev)
	if err != nil {
		return abort(err)
	}
	res.State = StateMounted
	logger.InfoContext(ctx, "image mounted", "root", mnt.Point)

	res.State = StateRunning
	for i, d := range descriptors {
		// Cancellation between modules aborts without blaming a module.
		if err := ctx.Err(); err != nil {
			return abort(err)
		}

		logger.InfoContext(ctx, "running module", "module", d.Name, "position", i)
		err := p.Registry.Invoke(ctx, d, mnt.Point, cfg.CloneOptions())
		if err == nil && ctx.Err() != nil {
			// The in-flight module was waited for; the build still
			// aborts as if it had failed with a cancellation error.
			err = ctx.Err()
		}
		if err != nil {
			res.FailedModule = d.Name
			res.FailedIndex = i
			return abort(&ModuleExecutionError{Module: d.Name, Index: i, Err: err})
		}
	}

	res.State = StateUnmounting
	if err := p.Mounts.Exit(mnt); err != nil {
		// Exit has already spent its busy retries; teardown must not run
		// them again against the same stuck mount. It still counts as
		// leaked for the cleanup status.
		mnt = nil
		out, runErr := abort(err)
		out.CleanupErr = errors.Join(err, out.CleanupErr)
		return out, runErr
	}
	if err := p.Devices.Release(dev); err != nil {
		return abort(err)
	}

	// Resources are gone; a packaging failure is a build failure but
	// needs no cleanup beyond the scratch file.
	res.State = StatePackaging
	artifact, err := p.Packager.Package(ctx, backing, cfg.Output)
	if err != nil {
		_ = os.Remove(backing)
		return finish(StateFailed, err)
	}
	_ = os.Remove(backing)

	res.ArtifactPath = artifact
	logger.InfoContext(ctx, "build complete", "artifact", artifact, "duration", time.Since(start))
	return finish(StateDone, nil)
}

// teardown always attempts Exit then Release, in that order, regardless of
// which step triggered the abort. Both are idempotent, so nothing here
// double-frees.
func (p *Pipeline) teardown(mnt *mount.Mount, dev *loopdev.Device) error {
	var errs []error
	if mnt != nil {
		if err := p.Mounts.Exit(mnt); err != nil {
			errs = append(errs, fmt.Errorf("exit mount: %w", err))
		}
	}
	if dev != nil {
		if err := p.Devices.Release(dev); err != nil {
			errs = append(errs, fmt.Errorf("release device: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) workDir() string {
	if p.WorkDir != "" {
		return p.WorkDir
	}
	return os.TempDir()
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
