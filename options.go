package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// runtimeVersion is reported in state records and the features output.
const runtimeVersion = "0.1.0"

// GlobalOptions holds the process-wide options parsed before the subcommand.
// They participate in path derivation used by every component, so they are
// resolved exactly once at startup and never mutated after dispatch.
type GlobalOptions struct {
	Debug         bool
	LogPath       string
	LogFormat     string
	RootPath      string
	SystemdCgroup bool
}

var globalOptions GlobalOptions

// stateBasePath returns the resolved runtime state root. ensureRuntimeRoot
// must have run first; before that the path may still be empty.
func stateBasePath() string {
	return globalOptions.RootPath
}

func fallbackStateRoot() string {
	return fmt.Sprintf("/tmp/mruntime-%d", os.Geteuid())
}

// defaultStateRoot picks the preferred state root for the current user:
// /run/mruntime for root, $XDG_RUNTIME_DIR/mruntime for users that have a
// runtime dir, /tmp/mruntime-<euid> otherwise.
func defaultStateRoot() string {
	if os.Geteuid() == 0 {
		return "/run/mruntime"
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "mruntime")
	}
	return fallbackStateRoot()
}

// ensureRuntimeRoot creates the state root directory, falling back to the
// per-euid /tmp root for unprivileged users when the preferred root is not
// writable. The downgrade is logged; only a failure of both roots is an error.
func ensureRuntimeRoot(ctx context.Context) error {
	if globalOptions.RootPath == "" {
		globalOptions.RootPath = defaultStateRoot()
	}
	globalOptions.RootPath = filepath.Clean(globalOptions.RootPath)

	primaryErr := ensureDirectory(globalOptions.RootPath, 0o755)
	if primaryErr == nil {
		return nil
	}
	if os.Geteuid() != 0 {
		fallback := filepath.Clean(fallbackStateRoot())
		if fallback != globalOptions.RootPath {
			Logger(ctx).Debug("Unable to use preferred state root",
				"root", globalOptions.RootPath, "error", primaryErr)
			if err := ensureDirectory(fallback, 0o755); err == nil {
				Logger(ctx).Debug("Falling back to runtime state root", "root", fallback)
				globalOptions.RootPath = fallback
				return nil
			}
			return fmt.Errorf("failed to create runtime root directory %q: %w", fallback, primaryErr)
		}
	}
	return fmt.Errorf("failed to create runtime root directory %q: %w", globalOptions.RootPath, primaryErr)
}

// initLogger builds the process logger from the global options. The log file
// is opened in append mode so independent invocations interleave whole lines.
func initLogger() *slog.Logger {
	level := slog.LevelInfo
	if globalOptions.Debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var sink io.Writer = os.Stderr
	if globalOptions.LogPath != "" {
		f, err := os.OpenFile(globalOptions.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", globalOptions.LogPath, err)
		} else {
			sink = f
		}
	}

	if globalOptions.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(sink, opts))
	}
	return slog.New(slog.NewTextHandler(sink, opts))
}

type contextKey string

const loggerKey contextKey = "logger"

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
