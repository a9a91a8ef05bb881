// imgforge builds bootable disk images from a declarative YAML
// configuration: a sized raw image is seeded from a root tarball or OCI
// image, transformed by an ordered list of modules, and packaged as an
// output artifact.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imgforge/imgforge/internal/config"
	"github.com/imgforge/imgforge/internal/modules"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("build interrupted", "error", err)
			os.Exit(130)
		}
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	logLevel := "info"
	jsonLogs := false

	root := &cobra.Command{
		Use:           "imgforge",
		Short:         "Build bootable disk images from a declarative configuration",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "log verbosity (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&jsonLogs, "json", jsonLogs, "log as JSON")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if jsonLogs {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		slog.SetDefault(slog.New(handler))
		return nil
	}

	root.AddCommand(
		newBuildCommand(),
		newModulesCommand(),
		newHistoryCommand(),
	)
	return root
}

func newModulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the registered build modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range modules.Builtin().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func loadConfig(path, size, output, fsType string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if size != "" {
		sizeBytes, err := config.ParseSize(size)
		if err != nil {
			return nil, err
		}
		cfg.SizeBytes = sizeBytes
	}
	if output != "" {
		cfg.Output = output
	}
	if fsType != "" {
		cfg.FSType = fsType
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
