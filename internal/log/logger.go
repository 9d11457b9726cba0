// Package log builds the process logger: a slog handler chosen from config,
// wrapped so sensitive attributes never reach the sink, optionally writing to
// a size-rotated file.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Mirxou/Standard-El-joumla-sub004/internal/config"
)

// New returns the logger plus a closer for the underlying file, if any.
func New(cfg config.LoggingConfig, version string) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		writer, err := NewRotatingWriter(RotationConfig{
			File:      cfg.File,
			MaxSizeMB: cfg.MaxSizeMB,
			MaxFiles:  cfg.MaxFiles,
		})
		if err != nil {
			return nil, nil, err
		}
		out = writer
		closer = writer
	}

	return slog.New(newHandler(out, cfg, version)), closer, nil
}

// Discard is used by tests and library callers that did not supply a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newHandler(out io.Writer, cfg config.LoggingConfig, version string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var base slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		base = slog.NewTextHandler(out, opts)
	default:
		base = slog.NewJSONHandler(out, opts)
	}

	return NewRedactingHandler(base).WithAttrs([]slog.Attr{
		slog.String("service", "joumla"),
		slog.String("version", version),
	})
}

// ParseLevel maps debug/info/warn/error; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
