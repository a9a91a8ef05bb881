package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sys/unix"
)

const flockPollInterval = 200 * time.Millisecond

// FileLocker backs locks with flock(2) on files under Dir, so exclusion
// holds across processes on the same host. Lock file names are derived from
// the digest of the key, keeping arbitrary paths safe as keys.
type FileLocker struct {
	Dir string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{Dir: dir}
}

func (l *FileLocker) Acquire(ctx context.Context, key string) (Lock, error) {
	dir := l.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := filepath.Join(dir, digest.FromString(key).Encoded()[:16]+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	// Non-blocking flock in a poll loop so cancellation is honored.
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{file: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(flockPollInterval):
		}
	}
}

type fileLock struct {
	file *os.File
}

func (l *fileLock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlock: %w", err)
	}
	return l.file.Close()
}
