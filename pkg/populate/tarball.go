package populate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

const defaultCacheDir = "cache"

// TarballSource seeds the root tree from a gzip-compressed tarball, either a
// local file or an HTTP(S) URL. Downloads are cached under CacheDir keyed by
// the digest of the URL, with a JSON sidecar recording provenance.
type TarballSource struct {
	From     string
	CacheDir string

	// RootFile names a tarball nested inside the downloaded archive that
	// holds the actual root tree. Empty means the archive itself is the
	// root tree.
	RootFile string

	Logger *slog.Logger
}

func (s *TarballSource) Info() string {
	return s.From
}

func (s *TarballSource) Unpack(ctx context.Context, rootDir string) error {
	archive, cleanup, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open root tarball %s: %w", archive, err)
	}
	defer f.Close()

	return extractTarStream(ctx, f, rootDir, false)
}

// fetch resolves From to a local gzip tarball holding the root tree. The
// returned cleanup removes any scratch file fetch staged; the caller's own
// input file is never modified.
func (s *TarballSource) fetch(ctx context.Context) (string, func(), error) {
	noop := func() {}

	if !isURL(s.From) {
		if _, err := os.Stat(s.From); err != nil {
			return "", noop, fmt.Errorf("root tarball %s: %w", s.From, err)
		}
		if s.RootFile == "" {
			return s.From, noop, nil
		}
		staged, err := s.stageInnerRoot(ctx, s.From)
		if err != nil {
			return "", noop, err
		}
		return staged, func() { _ = os.Remove(staged) }, nil
	}

	cacheDir := s.CacheDir
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}

	cachePath := filepath.Join(cacheDir, digest.FromString(s.From).Encoded()[:16]+".tar.gz")
	if _, err := os.Stat(cachePath); err == nil {
		// The cache entry already holds the root tree: when RootFile is
		// set it was reduced to the inner archive right after download.
		s.logger().InfoContext(ctx, "using cached tarball", "path", cachePath)
		return cachePath, noop, nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", noop, fmt.Errorf("create cache dir: %w", err)
	}

	s.logger().InfoContext(ctx, "downloading tarball", "from", s.From, "to", cachePath)
	if err := downloadFile(ctx, s.From, cachePath); err != nil {
		_ = os.Remove(cachePath)
		return "", noop, fmt.Errorf("download %s: %w", s.From, err)
	}

	meta := map[string]string{
		"cached_on": time.Now().Format(time.RFC1123Z),
		"from":      s.From,
		"root_file": s.RootFile,
	}
	if data, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(cachePath+".json", append(data, '\n'), 0o644)
	}

	if s.RootFile != "" {
		staged, err := s.stageInnerRoot(ctx, cachePath)
		if err != nil {
			_ = os.Remove(cachePath)
			return "", noop, err
		}
		// The cache entry is ours to rewrite; replacing it with the inner
		// archive lets later hits skip the outer extraction.
		err = copyFile(staged, cachePath)
		_ = os.Remove(staged)
		if err != nil {
			_ = os.Remove(cachePath)
			return "", noop, fmt.Errorf("replace cache entry with inner root file: %w", err)
		}
	}
	return cachePath, noop, nil
}

// stageInnerRoot extracts the outer archive to a scratch dir, locates the
// configured RootFile and copies it to a fresh temp file. The outer archive
// is left untouched.
func (s *TarballSource) stageInnerRoot(ctx context.Context, archivePath string) (string, error) {
	scratch, err := os.MkdirTemp("", "imgforge-rootfile-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(scratch)

	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := extractTarStream(ctx, f, scratch, false); err != nil {
		return "", fmt.Errorf("extract outer archive: %w", err)
	}

	inner := findFile(s.RootFile, scratch)
	if inner == "" {
		return "", fmt.Errorf("file %q not found in extracted contents of %s", s.RootFile, archivePath)
	}

	tmp, err := os.CreateTemp("", "imgforge-root-*.tar.gz")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := copyFile(inner, tmpName); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("stage inner root file: %w", err)
	}
	return tmpName, nil
}

func findFile(name, dir string) string {
	var found string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
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

func downloadFile(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch failed with status %s", resp.Status)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (s *TarballSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

var _ Source = (*TarballSource)(nil)
