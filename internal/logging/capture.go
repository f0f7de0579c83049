package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Capture collects slog records for test assertions. Attributes added with
// Logger.With are folded into each record; grouped keys are dotted.
type Capture struct {
	mu        sync.Mutex
	records   []slog.Record
	prev      *slog.Logger
	prevLevel slog.Level
}

// CaptureForTest installs a capturing handler as the global slog default at
// debug level. Call Restore when done.
func CaptureForTest() *Capture {
	c := &Capture{prev: slog.Default(), prevLevel: level.Level()}
	slog.SetDefault(slog.New(&captureHandler{capture: c}))
	level.Set(slog.LevelDebug)
	return c
}

// Restore reinstates the previous global logger and level.
func (c *Capture) Restore() {
	slog.SetDefault(c.prev)
	level.Set(c.prevLevel)
}

// Records returns a copy of every captured record.
func (c *Capture) Records() []slog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]slog.Record, len(c.records))
	copy(out, c.records)
	return out
}

// matching returns the records whose message contains msgSubstring.
func (c *Capture) matching(msgSubstring string) []slog.Record {
	var out []slog.Record
	for _, r := range c.Records() {
		if strings.Contains(r.Message, msgSubstring) {
			out = append(out, r)
		}
	}
	return out
}

// Has reports whether a record at l mentions msgSubstring.
func (c *Capture) Has(l slog.Level, msgSubstring string) bool {
	for _, r := range c.matching(msgSubstring) {
		if r.Level == l {
			return true
		}
	}
	return false
}

// Attr returns attribute key of the first record mentioning msgSubstring
// that carries it.
func (c *Capture) Attr(msgSubstring, key string) (slog.Value, bool) {
	for _, r := range c.matching(msgSubstring) {
		var val slog.Value
		found := false
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == key {
				val, found = a.Value, true
			}
			return !found
		})
		if found {
			return val, true
		}
	}
	return slog.Value{}, false
}

// Count returns the number of records at l.
func (c *Capture) Count(l slog.Level) int {
	n := 0
	for _, r := range c.Records() {
		if r.Level == l {
			n++
		}
	}
	return n
}

type captureHandler struct {
	capture *Capture
	attrs   []slog.Attr
	prefix  string // open groups, dotted, with a trailing dot
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	out.AddAttrs(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.qualify(a))
		return true
	})
	h.capture.mu.Lock()
	defer h.capture.mu.Unlock()
	h.capture.records = append(h.capture.records, out)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.qualify(a))
	}
	return &next
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *captureHandler) qualify(a slog.Attr) slog.Attr {
	if h.prefix == "" {
		return a
	}
	return slog.Attr{Key: h.prefix + a.Key, Value: a.Value}
}
