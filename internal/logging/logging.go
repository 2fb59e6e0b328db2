// Package logging builds the process logger and carries request-scoped
// loggers through [context.Context].
//
//	LOG_LEVEL  = debug | info | warn | error, optionally offset ("info+2")
//	LOG_FORMAT = json | text (default json)
//
// Every record is stamped with service=medibot and the build version.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/54b3r/medibot-go/internal/version"
)

type ctxKey struct{}

// New returns a logger writing to stderr.
func New() *slog.Logger {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter is [New] writing to w.
func NewWithWriter(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With(
		slog.String("service", "medibot"),
		slog.String("version", version.Version),
	)
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx, falling back to
// [slog.Default].
func FromContext(ctx context.Context) *slog.Logger {
	if l, _ := ctx.Value(ctxKey{}).(*slog.Logger); l != nil {
		return l
	}
	return slog.Default()
}

// parseLevel accepts anything [slog.Level.UnmarshalText] does plus "warning".
// Unparseable input means info.
func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
