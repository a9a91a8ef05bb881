// Package mount provides the scoped mount used while an image is being
// modified: Enter mounts the device at a fresh, uniquely named mountpoint and
// Exit guarantees the unmount on every path out of the build, retrying a
// bounded number of times when module processes leave the mount busy.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imgforge/imgforge/pkg/loopdev"
)

var (
	ErrMount = errors.New("mount failed")

	// ErrUnmount is fatal for a build: the device cannot be released
	// safely while the mount is stuck, so the failure is surfaced instead
	// of leaking silently.
	ErrUnmount = errors.New("unmount failed")
)

const (
	DefaultExitRetries = 5
	DefaultExitDelay   = 500 * time.Millisecond
)

// Mount is an active mount of a build device. One per build; destroyed
// before its device is detached, never after.
type Mount struct {
	DevicePath string
	Point      string

	exited bool
}

type runFunc func(ctx context.Context, name string, args ...string) (string, error)

// Scope mounts devices under BaseDir (os.TempDir when empty) and unmounts
// them with bounded retries on busy mounts.
type Scope struct {
	BaseDir     string
	ExitRetries int
	ExitDelay   time.Duration

	run runFunc
}

func NewScope() *Scope {
	return &Scope{
		ExitRetries: DefaultExitRetries,
		ExitDelay:   DefaultExitDelay,
		run:         runCommand,
	}
}

// Enter mounts the device at a freshly created mountpoint and returns the
// root path modules operate on.
func (s *Scope) Enter(ctx context.Context, dev *loopdev.Device) (*Mount, error) {
	baseDir := s.BaseDir
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	point := filepath.Join(baseDir, "imgforge-"+uuid.NewString())
	if err := os.MkdirAll(point, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create mountpoint: %w", ErrMount, err)
	}

	if _, err := s.runner()(ctx, "mount", dev.DevicePath, point); err != nil {
		_ = os.Remove(point)
		return nil, fmt.Errorf("%w: %s at %s: %w", ErrMount, dev.DevicePath, point, err)
	}

	return &Mount{DevicePath: dev.DevicePath, Point: point}, nil
}

// Exit unmounts. Busy mounts are retried ExitRetries times, ExitDelay apart;
// exhausting the retries escalates to ErrUnmount. Exit on an already-exited
// mount is a no-op.
func (s *Scope) Exit(m *Mount) error {
	if m == nil || m.exited {
		return nil
	}

	retries := s.ExitRetries
	if retries <= 0 {
		retries = DefaultExitRetries
	}
	delay := s.ExitDelay
	if delay <= 0 {
		delay = DefaultExitDelay
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
		}

		_, err := s.runner()(context.Background(), "umount", m.Point)
		if err == nil {
			m.exited = true
			_ = os.Remove(m.Point)
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return fmt.Errorf("%w: %s: %w", ErrUnmount, m.Point, err)
		}
	}

	return fmt.Errorf("%w: %s still busy after %d attempts: %w", ErrUnmount, m.Point, retries, lastErr)
}

// Exited reports whether the mount has been torn down.
func (m *Mount) Exited() bool {
	return m.exited
}

func (s *Scope) runner() runFunc {
	if s.run != nil {
		return s.run
	}
	return runCommand
}

func isBusy(err error) bool {
	if errors.Is(err, errDeviceBusy) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "busy")
}

// errDeviceBusy lets tests signal a busy unmount without shelling out.
var errDeviceBusy = errors.New("target is busy")

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
