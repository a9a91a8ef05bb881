package modules

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// InstallRPMs stages the rpm files listed under the "rpms" config key into
// the image's /tmp and installs them with a chroot'd yum. Entries may be
// single .rpm files or directories of them.
type InstallRPMs struct{}

func (m *InstallRPMs) Transform(ctx context.Context, name, root string, cfg map[string]any) error {
	rpms := expandRPMs(stringSlice(cfg, "rpms"))
	if len(rpms) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "installing rpms", "module", name, "count", len(rpms))

	stageDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("create stage dir: %w", err)
	}

	var staged []string
	defer func() {
		for _, fn := range staged {
			_ = os.Remove(fn)
		}
	}()

	args := []string{"yum", "--nogpgcheck", "-y", "localinstall"}
	for _, rpm := range rpms {
		base := filepath.Base(rpm)
		stagedPath := filepath.Join(stageDir, base)
		if err := copyRPM(rpm, stagedPath); err != nil {
			return fmt.Errorf("stage %s: %w", rpm, err)
		}
		staged = append(staged, stagedPath)
		args = append(args, filepath.Join("/tmp", base))
	}

	return chroot(ctx, root, args...)
}

// expandRPMs resolves each entry to concrete .rpm files: files pass through,
// directories contribute every .rpm directly inside them.
func expandRPMs(entries []string) []string {
	var expanded []string
	for _, entry := range entries {
		info, err := os.Stat(entry)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			expanded = append(expanded, entry)
			continue
		}
		files, err := os.ReadDir(entry)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".rpm" {
				continue
			}
			expanded = append(expanded, filepath.Join(entry, f.Name()))
		}
	}
	return expanded
}

func copyRPM(src, dst string) error {
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
