package populate

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// extractTarStream writes every entry of a (possibly gzip-compressed) tar
// stream under rootDir. Whiteout handling is enabled for OCI layers and off
// for plain root tarballs.
func extractTarStream(ctx context.Context, r io.Reader, rootDir string, whiteouts bool) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("decompress gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if whiteouts && isWhiteout(header.Name) {
			if err := handleWhiteout(rootDir, header.Name); err != nil {
				return fmt.Errorf("handle whiteout: %w", err)
			}
			continue
		}

		if err := extractTarEntry(rootDir, header, tr); err != nil {
			return fmt.Errorf("extract tar entry %q: %w", header.Name, err)
		}
	}

	return nil
}

// isWhiteout reports whether name is an OCI whiteout marker (.wh.FILENAME
// deletes FILENAME, .wh..wh..opaque clears the directory).
func isWhiteout(name string) bool {
	_, file := filepath.Split(filepath.Clean(name))
	return strings.HasPrefix(file, ".wh.")
}

func handleWhiteout(rootDir, whiteoutPath string) error {
	dir, file := filepath.Split(filepath.Clean(whiteoutPath))
	actualName := strings.TrimPrefix(file, ".wh.")

	if actualName == ".wh..opaque" {
		opaqueDir := filepath.Join(rootDir, dir)
		if err := os.RemoveAll(opaqueDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove opaque directory: %w", err)
		}
		return os.MkdirAll(opaqueDir, 0o755)
	}

	deletePath := filepath.Join(rootDir, dir, actualName)
	if err := os.RemoveAll(deletePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whiteout target: %w", err)
	}
	return nil
}

func extractTarEntry(rootDir string, header *tar.Header, reader io.Reader) error {
	// Keep extraction inside rootDir.
	targetPath := filepath.Join(rootDir, filepath.Clean(header.Name))
	if !strings.HasPrefix(targetPath, rootDir) {
		return fmt.Errorf("path traversal detected: %s", header.Name)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		// Ownership restore needs root; best effort otherwise.
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		if _, err := io.CopyN(file, reader, header.Size); err != nil && err != io.EOF {
			file.Close()
			return fmt.Errorf("copy file content: %w", err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		_ = os.Lchown(targetPath, header.Uid, header.Gid)

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		_ = os.Remove(targetPath)
		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}

	case tar.TypeLink:
		linkTarget := filepath.Join(rootDir, filepath.Clean(header.Linkname))
		if !strings.HasPrefix(linkTarget, rootDir) {
			return fmt.Errorf("hardlink target outside root: %s", header.Linkname)
		}
		_ = os.Remove(targetPath)
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		if err := os.Link(linkTarget, targetPath); err != nil {
			return fmt.Errorf("create hardlink: %w", err)
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		// Device nodes and pipes need root and are recreated at boot.
		return nil

	default:
		return nil
	}

	return nil
}
