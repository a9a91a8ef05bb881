package main

import (
	"context"
	"log/slog"
	"testing"
)

// TestRootCommandLogFlags verifies the logging flags reconfigure the default
// logger before any subcommand runs.
func TestRootCommandLogFlags(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	root := newRootCommand()
	if err := root.PersistentFlags().Set("log-level", "debug"); err != nil {
		t.Fatal(err)
	}
	if err := root.PersistentFlags().Set("json", "true"); err != nil {
		t.Fatal(err)
	}
	if err := root.PersistentPreRunE(root, nil); err != nil {
		t.Fatalf("PersistentPreRunE failed: %v", err)
	}

	handler := slog.Default().Handler()
	if _, ok := handler.(*slog.JSONHandler); !ok {
		t.Errorf("handler = %T, want *slog.JSONHandler", handler)
	}
	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
}

// TestRootCommandRejectsBadLogLevel verifies an unknown level fails upfront.
func TestRootCommandRejectsBadLogLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	root := newRootCommand()
	if err := root.PersistentFlags().Set("log-level", "loud"); err != nil {
		t.Fatal(err)
	}
	if err := root.PersistentPreRunE(root, nil); err == nil {
		t.Error("invalid log level accepted")
	}
}
