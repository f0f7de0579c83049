// Package logging configures log/slog for shelf. Packages obtain their
// logger once with For and keep it in a package variable; Init may run
// later and still takes effect.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Format selects the handler Init installs.
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatColor Format = "color" // tint, for terminals
)

var level = new(slog.LevelVar)

// ParseLevel maps a config level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
}

// ParseFormat maps a config format name to a Format. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatColor:
		return f, nil
	}
	return FormatText, fmt.Errorf("unknown format %q", s)
}

// Init installs the global slog handler on stderr. Unknown names fall back
// to info and text; config validation reports them first.
func Init(levelStr, format string) {
	l, _ := ParseLevel(levelStr)
	f, _ := ParseFormat(format)
	level.Set(l)
	slog.SetDefault(slog.New(NewHandler(os.Stderr, f)))
}

// NewHandler returns a handler writing format to w at the shared level.
func NewHandler(w io.Writer, format Format) slog.Handler {
	switch format {
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case FormatColor:
		return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

// SetLevel changes the level of every handler built by this package.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// For returns a logger tagged with component. Every record is handed to
// whatever slog.Default() is at the time of the call, so loggers held in
// package variables follow Init and CaptureForTest.
func For(component string) *slog.Logger {
	return slog.New(&deferredHandler{ops: []handlerOp{
		withAttrs([]slog.Attr{slog.String("component", component)}),
	}})
}

// handlerOp replays one WithAttrs or WithGroup call on a handler.
type handlerOp func(slog.Handler) slog.Handler

func withAttrs(attrs []slog.Attr) handlerOp {
	return func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) }
}

func withGroup(name string) handlerOp {
	return func(h slog.Handler) slog.Handler { return h.WithGroup(name) }
}

// deferredHandler records With calls and replays them on the default
// handler for each record.
type deferredHandler struct {
	ops []handlerOp
}

func (h *deferredHandler) target() slog.Handler {
	target := slog.Default().Handler()
	for _, op := range h.ops {
		target = op(target)
	}
	return target
}

func (h *deferredHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h *deferredHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(withAttrs(attrs))
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(withGroup(name))
}

func (h *deferredHandler) with(op handlerOp) *deferredHandler {
	ops := make([]handlerOp, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &deferredHandler{ops: append(ops, op)}
}
