package logging

import (
	"context"
	"log/slog"
)

// LevelFilter passes records at or above a minimum level to the wrapped
// handler. The minimum is a slog.Leveler so a slog.LevelVar can move it at
// runtime.
type LevelFilter struct {
	next slog.Handler
	min  slog.Leveler
}

// NewLevelFilter wraps next so it only sees records at or above min.
func NewLevelFilter(next slog.Handler, min slog.Leveler) *LevelFilter {
	return &LevelFilter{next: next, min: min}
}

func (h *LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min.Level() && h.next.Enabled(ctx, level)
}

func (h *LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.min.Level() {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelFilter{next: h.next.WithAttrs(attrs), min: h.min}
}

func (h *LevelFilter) WithGroup(name string) slog.Handler {
	return &LevelFilter{next: h.next.WithGroup(name), min: h.min}
}
