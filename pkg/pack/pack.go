// Package pack turns a finished raw image into the distributable artifact:
// the filesystem is labeled, converted to the output disk format, given a
// libvirt helper file and checksum sidecars, and bundled into a tar.gz (or
// left as a directory) at the output path.
package pack

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/imgforge/imgforge/pkg/loopdev"
	"github.com/imgforge/imgforge/pkg/mount"
)

// ErrPackaging classifies post-build failures. The build's resources are
// already released when packaging runs.
var ErrPackaging = errors.New("packaging failed")

const (
	DefaultFormat  = "qcow2"
	checksumAlgo   = digest.SHA256
	checksumSuffix = ".sha256"
)

type runFunc func(ctx context.Context, name string, args ...string) (string, error)

// Packager converts raw images into output artifacts. When ExtractBoot is
// set it performs its own short attach/mount cycle to pull the kernel and
// ramdisk out of the image's /boot, with the same teardown obligations as
// the build's own managers.
type Packager struct {
	Format      string
	Compress    bool
	ExtractBoot bool

	Devices *loopdev.Manager
	Mounts  *mount.Scope
	Logger  *slog.Logger

	run runFunc
}

func NewPackager(compress bool) *Packager {
	return &Packager{
		Format:   DefaultFormat,
		Compress: compress,
		run:      runCommand,
	}
}

// Package produces the artifact at outputPath from the raw image at
// backingPath and returns its location. Publication is atomic: the artifact
// is assembled under a scratch name and renamed into place.
func (p *Packager) Package(ctx context.Context, backingPath, outputPath string) (string, error) {
	logger := p.logger()

	// Label the filesystem so the generated fstab's LABEL=root resolves.
	if _, err := p.runner()(ctx, "tune2fs", "-L", "root", backingPath); err != nil {
		return "", fmt.Errorf("%w: label filesystem: %w", ErrPackaging, err)
	}

	stage, err := os.MkdirTemp(filepath.Dir(outputPath), ".imgforge-pack-*")
	if err != nil {
		return "", fmt.Errorf("%w: create staging dir: %w", ErrPackaging, err)
	}
	defer os.RemoveAll(stage)

	var kernel, ramdisk string
	if p.ExtractBoot {
		kernel, ramdisk, err = p.copyBootFiles(ctx, backingPath, stage)
		if err != nil {
			return "", fmt.Errorf("%w: extract boot files: %w", ErrPackaging, err)
		}
		logger.InfoContext(ctx, "extracted boot files", "kernel", kernel, "ramdisk", ramdisk)
	}

	imageName := artifactImageName(outputPath, p.format())
	logger.InfoContext(ctx, "converting image", "format", p.format(), "name", imageName)
	if _, err := p.runner()(ctx, "qemu-img", "convert",
		"-f", "raw", "-O", p.format(),
		backingPath, filepath.Join(stage, imageName)); err != nil {
		return "", fmt.Errorf("%w: convert image: %w", ErrPackaging, err)
	}

	if kernel != "" && ramdisk != "" {
		if err := writeVirtXML(stage, kernel, ramdisk, imageName); err != nil {
			return "", fmt.Errorf("%w: write libvirt.xml: %w", ErrPackaging, err)
		}
	}

	if err := writeChecksums(stage); err != nil {
		return "", fmt.Errorf("%w: write checksums: %w", ErrPackaging, err)
	}

	if err := p.publish(ctx, stage, outputPath); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPackaging, err)
	}

	logger.InfoContext(ctx, "artifact published", "path", outputPath)
	return outputPath, nil
}

// copyBootFiles attaches the image read-only for the duration of the copy.
// The attach and mount are undone on every path out.
func (p *Packager) copyBootFiles(ctx context.Context, backingPath, stage string) (kernel, ramdisk string, err error) {
	if p.Devices == nil || p.Mounts == nil {
		return "", "", fmt.Errorf("boot extraction requires device and mount managers")
	}

	dev, err := p.Devices.Attach(ctx, backingPath)
	if err != nil {
		return "", "", err
	}
	defer func() {
		err = errors.Join(err, p.Devices.Release(dev))
	}()

	mnt, err := p.Mounts.Enter(ctx, dev)
	if err != nil {
		return "", "", err
	}
	defer func() {
		err = errors.Join(err, p.Mounts.Exit(mnt))
	}()

	kernel, ramdisk, err = findBootFiles(filepath.Join(mnt.Point, "boot"))
	if err != nil {
		return "", "", err
	}

	for _, fn := range []string{kernel, ramdisk} {
		if err := copyFile(filepath.Join(mnt.Point, "boot", fn), filepath.Join(stage, fn)); err != nil {
			return "", "", err
		}
	}
	return kernel, ramdisk, nil
}

func findBootFiles(bootDir string) (kernel, ramdisk string, err error) {
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		return "", "", fmt.Errorf("read boot dir: %w", err)
	}

	for _, entry := range entries {
		fn := entry.Name()
		switch {
		case strings.HasPrefix(fn, "vmlinuz-"):
			kernel = fn
		case strings.HasPrefix(fn, "initramfs-") && strings.HasSuffix(fn, ".img"):
			ramdisk = fn
		}
	}
	if kernel == "" {
		return "", "", fmt.Errorf("no vmlinuz-* file found in %s", bootDir)
	}
	if ramdisk == "" {
		return "", "", fmt.Errorf("no initramfs-*.img file found in %s", bootDir)
	}
	return kernel, ramdisk, nil
}

// artifactImageName derives the converted image's file name from the output
// path: the .tar.gz suffix is dropped and the format appended.
func artifactImageName(outputPath, format string) string {
	base := filepath.Base(outputPath)
	base = strings.TrimSuffix(base, ".tar.gz")
	base = strings.TrimSuffix(base, ".tgz")
	return base + "." + format
}

// writeChecksums gives every staged file a sidecar in the sum-file format
// "<digest>  <name>".
func writeChecksums(stage string) error {
	entries, err := os.ReadDir(stage)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), checksumSuffix) {
			continue
		}
		path := filepath.Join(stage, entry.Name())

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		dgst, err := checksumAlgo.FromReader(f)
		f.Close()
		if err != nil {
			return err
		}

		contents := fmt.Sprintf("%s  %s\n", dgst.Encoded(), entry.Name())
		if err := os.WriteFile(path+checksumSuffix, []byte(contents), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// publish assembles the final artifact next to outputPath and renames it
// into place.
func (p *Packager) publish(ctx context.Context, stage, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if !p.Compress {
		_ = os.RemoveAll(outputPath)
		if err := os.Rename(stage, outputPath); err != nil {
			return fmt.Errorf("move artifact dir: %w", err)
		}
		// The deferred RemoveAll now targets a path that no longer
		// exists, which is fine.
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".imgforge-artifact-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create artifact temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tarGzDir(ctx, stage, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("compress artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// tarGzDir writes every regular file directly inside dir into a tar.gz
// stream, flat, the way the image set is consumed downstream.
func tarGzDir(ctx context.Context, dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = entry.Name()
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (p *Packager) format() string {
	if p.Format != "" {
		return p.Format
	}
	return DefaultFormat
}

func (p *Packager) runner() runFunc {
	if p.run != nil {
		return p.run
	}
	return runCommand
}

func (p *Packager) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
