package populate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/imgforge/imgforge/pkg/loopdev"
	"github.com/imgforge/imgforge/pkg/mount"
)

// fakeScope hands out a real directory instead of mounting and records its
// teardown calls.
type fakeScope struct {
	dir       string
	failEnter error

	exits int
}

func (f *fakeScope) Enter(ctx context.Context, dev *loopdev.Device) (*mount.Mount, error) {
	if f.failEnter != nil {
		return nil, f.failEnter
	}
	return &mount.Mount{DevicePath: dev.DevicePath, Point: f.dir}, nil
}

func (f *fakeScope) Exit(m *mount.Mount) error {
	f.exits++
	return nil
}

type fakeSource struct {
	fail  error
	files map[string]string
}

func (s *fakeSource) Unpack(ctx context.Context, rootDir string) error {
	if s.fail != nil {
		return s.fail
	}
	for name, content := range s.files {
		path := filepath.Join(rootDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) Info() string { return "fake source" }

type fakeRun struct {
	commands []string
	fail     error
}

func (f *fakeRun) run(ctx context.Context, name string, args ...string) (string, error) {
	f.commands = append(f.commands, strings.Join(append([]string{name}, args...), " "))
	return "", f.fail
}

// TestSeedFormatsUnpacksAndWritesFstab drives the full seeding sequence
// against a fake mount scope.
func TestSeedFormatsUnpacksAndWritesFstab(t *testing.T) {
	scope := &fakeScope{dir: t.TempDir()}
	run := &fakeRun{}
	p := &Populator{FSType: "ext4", Scope: scope, run: run.run}

	dev := &loopdev.Device{DevicePath: "/dev/loop0"}
	src := &fakeSource{files: map[string]string{"etc/hostname": "img\n"}}

	if err := p.Seed(context.Background(), dev, src); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	if len(run.commands) != 1 || run.commands[0] != "mkfs.ext4 /dev/loop0" {
		t.Errorf("commands = %v, want [mkfs.ext4 /dev/loop0]", run.commands)
	}
	if scope.exits != 1 {
		t.Errorf("exit count = %d, want 1", scope.exits)
	}

	if _, err := os.Stat(filepath.Join(scope.dir, "etc", "hostname")); err != nil {
		t.Errorf("source tree not unpacked: %v", err)
	}

	fstab, err := os.ReadFile(filepath.Join(scope.dir, "etc", "fstab"))
	if err != nil {
		t.Fatalf("fstab missing: %v", err)
	}
	if !strings.Contains(string(fstab), "LABEL=root\t/\text4\tdefaults\t0\t0") {
		t.Errorf("fstab contents:\n%s", fstab)
	}
	if !strings.HasPrefix(string(fstab), "# Generated on ") {
		t.Errorf("fstab missing generation header:\n%s", fstab)
	}
}

// TestSeedMkfsFailure verifies a format error surfaces as ErrFormat and no
// mount is attempted.
func TestSeedMkfsFailure(t *testing.T) {
	scope := &fakeScope{dir: t.TempDir()}
	run := &fakeRun{fail: errors.New("mkfs.ext4: no such device")}
	p := &Populator{FSType: "ext4", Scope: scope, run: run.run}

	err := p.Seed(context.Background(), &loopdev.Device{DevicePath: "/dev/loop0"}, &fakeSource{})
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
	if scope.exits != 0 {
		t.Errorf("exit called %d times after failed mkfs", scope.exits)
	}
}

// TestSeedUnpackFailureStillUnmounts verifies the seeding mount is exited
// even when the source fails partway.
func TestSeedUnpackFailureStillUnmounts(t *testing.T) {
	scope := &fakeScope{dir: t.TempDir()}
	run := &fakeRun{}
	p := &Populator{FSType: "ext4", Scope: scope, run: run.run}

	srcErr := errors.New("truncated archive")
	err := p.Seed(context.Background(), &loopdev.Device{DevicePath: "/dev/loop0"}, &fakeSource{fail: srcErr})
	if !errors.Is(err, ErrSource) {
		t.Fatalf("err = %v, want ErrSource", err)
	}
	if !errors.Is(err, srcErr) {
		t.Errorf("source's own error lost: %v", err)
	}
	if scope.exits != 1 {
		t.Errorf("exit count = %d, want 1", scope.exits)
	}
}

// TestSeedMountFailure verifies a failed seeding mount maps onto ErrSource.
func TestSeedMountFailure(t *testing.T) {
	scope := &fakeScope{dir: t.TempDir(), failEnter: mount.ErrMount}
	run := &fakeRun{}
	p := &Populator{FSType: "ext4", Scope: scope, run: run.run}

	err := p.Seed(context.Background(), &loopdev.Device{DevicePath: "/dev/loop0"}, &fakeSource{})
	if !errors.Is(err, ErrSource) {
		t.Fatalf("err = %v, want ErrSource", err)
	}
	if !errors.Is(err, mount.ErrMount) {
		t.Errorf("mount error lost: %v", err)
	}
}

// TestNewPopulatorDefaultsFSType pins the ext4 default.
func TestNewPopulatorDefaultsFSType(t *testing.T) {
	if p := NewPopulator(""); p.FSType != "ext4" {
		t.Errorf("FSType = %q, want ext4", p.FSType)
	}
	if p := NewPopulator("ext3"); p.FSType != "ext3" {
		t.Errorf("FSType = %q, want ext3", p.FSType)
	}
}
