package populate

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ImageSource seeds the root tree from an OCI image: the layers are pulled
// from the registry and flattened in order, honoring whiteout markers.
//
// References may be short ("alpine:3.20" resolves to docker.io/library) or
// fully qualified ("ghcr.io/owner/repo:tag").
type ImageSource struct {
	ref    name.Reference
	Logger *slog.Logger
}

func NewImageSource(imageRef string) (*ImageSource, error) {
	normalized := imageRef
	if !strings.Contains(imageRef, "/") {
		normalized = "docker.io/library/" + imageRef
	} else if first := strings.Split(imageRef, "/")[0]; !strings.Contains(first, ".") && !strings.Contains(first, ":") {
		normalized = "docker.io/" + imageRef
	}

	ref, err := name.ParseReference(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference: %w", err)
	}
	return &ImageSource{ref: ref}, nil
}

func (s *ImageSource) Info() string {
	return s.ref.String()
}

// Unpack pulls the image for the host platform and extracts each layer into
// rootDir in manifest order.
func (s *ImageSource) Unpack(ctx context.Context, rootDir string) error {
	platform, err := v1.ParsePlatform("linux/" + runtime.GOARCH)
	if err != nil {
		return fmt.Errorf("parse platform: %w", err)
	}

	img, err := remote.Image(s.ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return fmt.Errorf("fetch image: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("get layers: %w", err)
	}

	s.logger().InfoContext(ctx, "flattening image layers", "image", s.ref.String(), "layers", len(layers))
	for i, layer := range layers {
		if err := s.extractLayer(ctx, layer, rootDir); err != nil {
			return fmt.Errorf("extract layer %d: %w", i, err)
		}
	}
	return nil
}

func (s *ImageSource) extractLayer(ctx context.Context, layer v1.Layer, rootDir string) error {
	reader, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("get compressed layer: %w", err)
	}
	defer reader.Close()

	return extractTarStream(ctx, reader, rootDir, true)
}

func (s *ImageSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

var _ Source = (*ImageSource)(nil)
