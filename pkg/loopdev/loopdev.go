// Package loopdev manages the loopback device backing a single image build:
// a sparse backing file of the requested size is created and attached with
// losetup, and detached again when the build is done with it.
package loopdev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrAllocation classifies every failure to produce an attached device:
// bad size, unwritable backing path, no free loop slot.
var ErrAllocation = errors.New("block device allocation failed")

// Device is an attached loopback device. Exactly one exists per build and it
// is owned by the pipeline that allocated it until Release returns.
type Device struct {
	BackingPath string
	DevicePath  string
	SizeBytes   int64

	released bool
}

type runFunc func(ctx context.Context, name string, args ...string) (string, error)

// Manager allocates and releases loopback devices.
type Manager struct {
	run runFunc
}

func NewManager() *Manager {
	return &Manager{run: runCommand}
}

// Allocate creates (or truncates) a sparse backing file of sizeBytes and
// attaches it to the next free loop device.
func (m *Manager) Allocate(ctx context.Context, sizeBytes int64, backingPath string) (*Device, error) {
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrAllocation, sizeBytes)
	}

	if err := createSparseFile(backingPath, sizeBytes); err != nil {
		return nil, fmt.Errorf("%w: backing file %s: %w", ErrAllocation, backingPath, err)
	}

	dev, err := m.Attach(ctx, backingPath)
	if err != nil {
		return nil, err
	}
	dev.SizeBytes = sizeBytes
	return dev, nil
}

// Attach attaches an existing image file to a free loop device without
// touching its contents. Used by tools that operate on already-built images.
func (m *Manager) Attach(ctx context.Context, backingPath string) (*Device, error) {
	info, err := os.Stat(backingPath)
	if err != nil {
		return nil, fmt.Errorf("%w: backing file %s: %w", ErrAllocation, backingPath, err)
	}

	out, err := m.run(ctx, "losetup", "--show", "-f", backingPath)
	if err != nil {
		return nil, fmt.Errorf("%w: attach %s: %w", ErrAllocation, backingPath, err)
	}

	devicePath := strings.TrimSpace(out)
	if devicePath == "" {
		return nil, fmt.Errorf("%w: losetup reported no device for %s", ErrAllocation, backingPath)
	}

	return &Device{
		BackingPath: backingPath,
		DevicePath:  devicePath,
		SizeBytes:   info.Size(),
	}, nil
}

// Release flushes pending writes and detaches the device. It is idempotent:
// releasing an already-released device is a no-op so it can run on every
// cleanup path.
func (m *Manager) Release(dev *Device) error {
	if dev == nil || dev.released {
		return nil
	}

	// Flush before detach so the backing file holds everything written
	// through the device.
	if _, err := m.run(context.Background(), "sync", dev.DevicePath); err != nil {
		return fmt.Errorf("sync %s: %w", dev.DevicePath, err)
	}

	if _, err := m.run(context.Background(), "losetup", "-d", dev.DevicePath); err != nil {
		return fmt.Errorf("detach %s: %w", dev.DevicePath, err)
	}

	dev.released = true
	return nil
}

// Released reports whether the device has been detached.
func (dev *Device) Released() bool {
	return dev.released
}

func createSparseFile(path string, sizeBytes int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Write a single byte at the end so the file has the requested size
	// while staying sparse on disk.
	if _, err := f.Seek(sizeBytes-1, 0); err != nil {
		return err
	}
	if _, err := f.Write([]byte{0}); err != nil {
		return err
	}
	return f.Sync()
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
