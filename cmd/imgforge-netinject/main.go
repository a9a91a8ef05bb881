// imgforge-netinject injects network interface configuration into an
// already-built raw image. It runs its own attach/mount/modify/detach cycle
// and is independent of the build pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/imgforge/imgforge/pkg/loopdev"
	"github.com/imgforge/imgforge/pkg/mount"
	"github.com/imgforge/imgforge/pkg/netexport"
)

func main() {
	imagePath := flag.String("image", "", "raw image file to modify (required)")
	iface := flag.String("interface", "", "only inject the named interface (default: all non-loopback)")
	jsonLogs := flag.Bool("json", false, "log as JSON")
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "usage: imgforge-netinject -image <file.raw> [-interface <name>]")
		os.Exit(2)
	}

	if err := run(context.Background(), logger, *imagePath, *iface); err != nil {
		logger.Error("network injection failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, imagePath, iface string) error {
	configs, err := netexport.Export()
	if err != nil {
		return fmt.Errorf("export host network config: %w", err)
	}
	if iface != "" {
		configs = filterByName(configs, iface)
		if len(configs) == 0 {
			return fmt.Errorf("interface %q not found on host", iface)
		}
	}
	logger.Info("exported host interfaces", "count", len(configs))

	devices := loopdev.NewManager()
	dev, err := devices.Attach(ctx, imagePath)
	if err != nil {
		return err
	}
	logger.Info("image attached", "device", dev.DevicePath)

	scope := mount.NewScope()
	mnt, err := scope.Enter(ctx, dev)
	if err != nil {
		// Device is attached; detach before reporting.
		if releaseErr := devices.Release(dev); releaseErr != nil {
			logger.Error("device leaked after mount failure", "error", releaseErr)
		}
		return err
	}
	logger.Info("image mounted", "root", mnt.Point)

	writeErr := netexport.WriteInto(mnt.Point, configs)

	// Unmount before detach, always, even when writing failed.
	if err := scope.Exit(mnt); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	if err := devices.Release(dev); err != nil {
		return fmt.Errorf("detach: %w", err)
	}

	if writeErr != nil {
		return fmt.Errorf("write interface configs: %w", writeErr)
	}
	logger.Info("network configuration injected", "image", imagePath, "interfaces", len(configs))
	return nil
}

func filterByName(configs []netexport.InterfaceConfig, name string) []netexport.InterfaceConfig {
	var out []netexport.InterfaceConfig
	for _, cfg := range configs {
		if cfg.Name == name {
			out = append(out, cfg)
		}
	}
	return out
}
