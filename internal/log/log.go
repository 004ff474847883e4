// Package log is the service logger: a small interface over log/slog that
// takes a context on every call so records can carry trace identifiers, and
// enriches error records with the error chain and the frames that produced it.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	Service string
	Version string
	Commit  string

	Level           slog.Level
	StacktraceLevel slog.Level
	JSON            bool

	// IncludeErrorLinks adds func/file/line for each wrapped error in the chain.
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// Writer defaults to os.Stdout.
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

// ParseLevel accepts debug|info|warn|error, case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}
