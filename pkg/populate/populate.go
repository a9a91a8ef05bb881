// Package populate formats a build device and seeds it with the initial root
// filesystem tree from a configured source (root tarball or OCI image).
package populate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/imgforge/imgforge/pkg/loopdev"
	"github.com/imgforge/imgforge/pkg/mount"
)

var (
	// ErrFormat classifies mkfs failures.
	ErrFormat = errors.New("filesystem creation failed")

	// ErrSource classifies failures to read or extract the configured
	// source tree. A partially extracted tree poisons the device; callers
	// must release it without mounting again.
	ErrSource = errors.New("source extraction failed")
)

// Source provides the initial root filesystem tree.
type Source interface {
	// Unpack materializes the tree under rootDir.
	Unpack(ctx context.Context, rootDir string) error
	Info() string
}

type runFunc func(ctx context.Context, name string, args ...string) (string, error)

// MountScope is the slice of pkg/mount the populator needs for its
// short-lived seeding mount.
type MountScope interface {
	Enter(ctx context.Context, dev *loopdev.Device) (*mount.Mount, error)
	Exit(m *mount.Mount) error
}

// Populator creates a filesystem on a device and extracts a source onto it.
// Seeding uses its own short-lived mount; the device carries a complete tree
// before the build's module mount ever exists.
type Populator struct {
	FSType string
	Scope  MountScope
	Logger *slog.Logger

	run runFunc
}

func NewPopulator(fsType string) *Populator {
	if fsType == "" {
		fsType = "ext4"
	}
	return &Populator{
		FSType: fsType,
		Scope:  mount.NewScope(),
		run:    runCommand,
	}
}

// Seed formats the device, mounts it, unpacks the source tree and writes the
// generated fstab, then unmounts. Must run before any module mount exists on
// the device; the pipeline enforces the ordering.
func (p *Populator) Seed(ctx context.Context, dev *loopdev.Device, src Source) error {
	logger := p.logger()

	logger.InfoContext(ctx, "creating filesystem", "fs_type", p.FSType, "device", dev.DevicePath)
	if _, err := p.runner()(ctx, "mkfs."+p.FSType, dev.DevicePath); err != nil {
		return fmt.Errorf("%w: mkfs.%s on %s: %w", ErrFormat, p.FSType, dev.DevicePath, err)
	}

	m, err := p.Scope.Enter(ctx, dev)
	if err != nil {
		return fmt.Errorf("%w: mount for seeding: %w", ErrSource, err)
	}

	logger.InfoContext(ctx, "extracting source tree", "source", src.Info(), "root", m.Point)
	if err := src.Unpack(ctx, m.Point); err != nil {
		return errors.Join(
			fmt.Errorf("%w: %s: %w", ErrSource, src.Info(), err),
			p.Scope.Exit(m),
		)
	}

	if err := writeFstab(m.Point, p.FSType); err != nil {
		return errors.Join(
			fmt.Errorf("%w: write fstab: %w", ErrSource, err),
			p.Scope.Exit(m),
		)
	}

	return p.Scope.Exit(m)
}

// writeFstab generates /etc/fstab for the single root filesystem. The
// packager labels the filesystem "root" to match.
func writeFstab(rootDir, fsType string) error {
	etcDir := filepath.Join(rootDir, "etc")
	if err := os.MkdirAll(etcDir, 0o755); err != nil {
		return err
	}

	contents := fmt.Sprintf("# Generated on %s\nLABEL=root\t/\t%s\tdefaults\t0\t0\n",
		time.Now().Format(time.RFC1123Z), fsType)
	return os.WriteFile(filepath.Join(etcDir, "fstab"), []byte(contents), 0o644)
}

func (p *Populator) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Populator) runner() runFunc {
	if p.run != nil {
		return p.run
	}
	return runCommand
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
