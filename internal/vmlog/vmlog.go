// Package vmlog provides this driver's structured logging output. It
// is a thin wrapper around log/slog with a small custom Handler, in
// the shape smoynes-elsie's internal/log package already uses for a
// from-scratch CPU simulator: a mutex-guarded writer plus a flat
// one-line-per-record format aimed at a human reading driver traces
// rather than a log aggregator's JSON ingestion.
package vmlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	// Default is the package-level logger every component falls back
	// to when none is threaded through explicitly.
	Default = NewLogger(os.Stderr)

	// Level can be adjusted at runtime to raise or lower verbosity.
	Level = new(slog.LevelVar)
)

// NewLogger builds a logger writing vmlog's line format to out.
func NewLogger(out io.Writer) *slog.Logger {
	return slog.New(NewHandler(out))
}

// Handler formats one record as a single "TIME LEVEL message key=value
// ..." line.
type Handler struct {
	mu  *sync.Mutex
	out io.Writer

	group string
	attrs []slog.Attr
}

// NewHandler builds a Handler writing to out at the package's Level.
func NewHandler(out io.Writer) *Handler {
	return &Handler{mu: new(sync.Mutex), out: out}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= Level.Level()
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	fmt.Fprintf(buf, "%s %s", rec.Time.Format("15:04:05.000"), rec.Level)
	fmt.Fprintf(buf, " %s", rec.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(buf, " %s=%v", a.Key, a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(buf, " %s=%v", a.Key, a.Value)
		return true
	})
	fmt.Fprintln(buf)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	combined := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	combined = append(combined, h.attrs...)
	combined = append(combined, attrs...)
	return &Handler{mu: h.mu, out: h.out, group: h.group, attrs: combined}
}

// WithGroup implements slog.Handler. Groups are not rendered
// specially by this handler's flat key=value format; the name is kept
// only so nested WithGroup/WithAttrs calls compose without panicking.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{mu: h.mu, out: h.out, group: name, attrs: h.attrs}
}
