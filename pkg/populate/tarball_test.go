package populate

import (
	"archive/tar"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeArchive(t *testing.T, path string, entries ...tarEntry) {
	t.Helper()
	buf := makeTarGz(t, entries...)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestTarballSourceLocalFile verifies a local tarball is extracted directly.
func TestTarballSourceLocalFile(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "root.tar.gz")
	writeArchive(t, archive,
		tarEntry{name: "etc/", typeflag: tar.TypeDir, mode: 0o755},
		tarEntry{name: "etc/release", typeflag: tar.TypeReg, content: []byte("v1\n")},
	)

	root := t.TempDir()
	src := &TarballSource{From: archive}
	if err := src.Unpack(context.Background(), root); err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(root, "etc", "release"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(content) != "v1\n" {
		t.Errorf("release = %q", content)
	}
}

// TestTarballSourceMissingLocalFile verifies a clear error for a bad path.
func TestTarballSourceMissingLocalFile(t *testing.T) {
	src := &TarballSource{From: filepath.Join(t.TempDir(), "nope.tar.gz")}
	if err := src.Unpack(context.Background(), t.TempDir()); err == nil {
		t.Error("expected error for missing tarball")
	}
}

// TestTarballSourceNestedRootFile verifies the nested root archive is dug
// out of the outer one before extraction.
func TestTarballSourceNestedRootFile(t *testing.T) {
	dir := t.TempDir()

	innerPath := filepath.Join(dir, "rootfs.tar.gz")
	writeArchive(t, innerPath,
		tarEntry{name: "inner-marker", typeflag: tar.TypeReg, content: []byte("inner")},
	)
	innerBytes, err := os.ReadFile(innerPath)
	if err != nil {
		t.Fatal(err)
	}

	outerPath := filepath.Join(dir, "release-bundle.tar.gz")
	writeArchive(t, outerPath,
		tarEntry{name: "README", typeflag: tar.TypeReg, content: []byte("bundle")},
		tarEntry{name: "images/rootfs.tar.gz", typeflag: tar.TypeReg, content: innerBytes},
	)

	outerBefore, err := os.ReadFile(outerPath)
	if err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	src := &TarballSource{From: outerPath, RootFile: "rootfs.tar.gz"}
	if err := src.Unpack(context.Background(), root); err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "inner-marker")); err != nil {
		t.Errorf("inner tree not extracted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "README")); !os.IsNotExist(err) {
		t.Error("outer archive contents leaked into the root tree")
	}

	// The user's input file is not the builder's to rewrite.
	outerAfter, err := os.ReadFile(outerPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(outerAfter) != string(outerBefore) {
		t.Error("local source archive was modified in place")
	}

	// A second Unpack from the same unchanged input must work too.
	if err := src.Unpack(context.Background(), t.TempDir()); err != nil {
		t.Errorf("second Unpack failed: %v", err)
	}
}

// TestTarballSourceRootFileNotFound verifies a missing nested file fails.
func TestTarballSourceRootFileNotFound(t *testing.T) {
	dir := t.TempDir()
	outerPath := filepath.Join(dir, "bundle.tar.gz")
	writeArchive(t, outerPath,
		tarEntry{name: "README", typeflag: tar.TypeReg, content: []byte("bundle")},
	)

	src := &TarballSource{From: outerPath, RootFile: "rootfs.tar.gz"}
	if err := src.Unpack(context.Background(), t.TempDir()); err == nil {
		t.Error("expected error for missing nested root file")
	}
}

// TestTarballSourceDownloadCache verifies the first Unpack downloads and the
// second is served from the cache, with a provenance sidecar next to it.
func TestTarballSourceDownloadCache(t *testing.T) {
	archive := makeTarGz(t,
		tarEntry{name: "etc/", typeflag: tar.TypeDir, mode: 0o755},
		tarEntry{name: "etc/from-server", typeflag: tar.TypeReg, content: []byte("yes")},
	)

	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(archive.Bytes())
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	src := &TarballSource{From: server.URL + "/root.tar.gz", CacheDir: cacheDir}

	if err := src.Unpack(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("first Unpack failed: %v", err)
	}
	if err := src.Unpack(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("second Unpack failed: %v", err)
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	var tarballs, sidecars int
	for _, entry := range entries {
		switch filepath.Ext(entry.Name()) {
		case ".gz":
			tarballs++
		case ".json":
			sidecars++
		}
	}
	if tarballs != 1 || sidecars != 1 {
		t.Errorf("cache holds %d tarballs and %d sidecars, want 1 and 1", tarballs, sidecars)
	}
}

// TestTarballSourceDownloadCacheWithRootFile verifies the cached entry is
// the already-reduced inner archive, so a cache hit extracts it directly
// instead of digging for RootFile a second time.
func TestTarballSourceDownloadCacheWithRootFile(t *testing.T) {
	inner := makeTarGz(t,
		tarEntry{name: "inner-marker", typeflag: tar.TypeReg, content: []byte("inner")},
	)
	outer := makeTarGz(t,
		tarEntry{name: "README", typeflag: tar.TypeReg, content: []byte("bundle")},
		tarEntry{name: "images/rootfs.tar.gz", typeflag: tar.TypeReg, content: inner.Bytes()},
	)

	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(outer.Bytes())
	}))
	defer server.Close()

	src := &TarballSource{
		From:     server.URL + "/bundle.tar.gz",
		CacheDir: t.TempDir(),
		RootFile: "rootfs.tar.gz",
	}

	for i := 0; i < 2; i++ {
		root := t.TempDir()
		if err := src.Unpack(context.Background(), root); err != nil {
			t.Fatalf("Unpack %d failed: %v", i+1, err)
		}
		if _, err := os.Stat(filepath.Join(root, "inner-marker")); err != nil {
			t.Errorf("Unpack %d: inner tree not extracted: %v", i+1, err)
		}
		if _, err := os.Stat(filepath.Join(root, "README")); !os.IsNotExist(err) {
			t.Errorf("Unpack %d: outer archive contents leaked into the root tree", i+1)
		}
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
}

// TestTarballSourceDownloadFailure verifies an HTTP error leaves no partial
// file in the cache.
func TestTarballSourceDownloadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	src := &TarballSource{From: server.URL + "/root.tar.gz", CacheDir: cacheDir}

	if err := src.Unpack(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected download failure")
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".gz" {
			t.Errorf("partial download left in cache: %s", entry.Name())
		}
	}
}

func TestIsURL(t *testing.T) {
	if !isURL("https://example.com/x.tar.gz") || !isURL("http://example.com/x") {
		t.Error("URL not detected")
	}
	if isURL("/var/tmp/root.tar.gz") || isURL("ftp://example.com/x") {
		t.Error("non-HTTP path detected as URL")
	}
}
