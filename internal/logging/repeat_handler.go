package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// maxTracked bounds the number of distinct records remembered at once.
const maxTracked = 4096

// RepeatSuppressor drops a record identical to one logged less than window
// ago. Identity is level, message, handler attributes and record
// attributes; the timestamp is ignored. The next record let through after a
// suppressed run carries a suppressed_count attribute.
//
// Blocked synthetic fulls log the same waiting reason on every retry; this
// keeps one line per window.
type RepeatSuppressor struct {
	next   slog.Handler
	window time.Duration
	scope  string
	state  *repeatState
}

type repeatState struct {
	mu   sync.Mutex
	seen map[uint64]*repeatEntry
}

type repeatEntry struct {
	last       time.Time
	suppressed int
}

// NewRepeatSuppressor wraps next.
func NewRepeatSuppressor(next slog.Handler, window time.Duration) *RepeatSuppressor {
	return &RepeatSuppressor{
		next:   next,
		window: window,
		state:  &repeatState{seen: make(map[uint64]*repeatEntry)},
	}
}

func (h *RepeatSuppressor) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RepeatSuppressor) Handle(ctx context.Context, r slog.Record) error {
	key := h.key(r)
	now := r.Time
	if now.IsZero() {
		now = time.Now()
	}

	h.state.mu.Lock()
	e, ok := h.state.seen[key]
	if ok && now.Sub(e.last) < h.window {
		e.suppressed++
		h.state.mu.Unlock()
		return nil
	}
	suppressed := 0
	if ok {
		suppressed = e.suppressed
		e.last, e.suppressed = now, 0
	} else {
		h.state.prune(now, h.window)
		h.state.seen[key] = &repeatEntry{last: now}
	}
	h.state.mu.Unlock()

	if suppressed > 0 {
		r = r.Clone()
		r.AddAttrs(slog.Int("suppressed_count", suppressed))
	}
	return h.next.Handle(ctx, r)
}

// prune drops expired entries once the table is full. Caller holds mu.
func (s *repeatState) prune(now time.Time, window time.Duration) {
	if len(s.seen) < maxTracked {
		return
	}
	for k, e := range s.seen {
		if now.Sub(e.last) >= window {
			delete(s.seen, k)
		}
	}
	if len(s.seen) >= maxTracked {
		clear(s.seen)
	}
}

func (h *RepeatSuppressor) key(r slog.Record) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(h.scope)
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(a.Key)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(a.Value.String())
		return true
	})
	return d.Sum64()
}

func (h *RepeatSuppressor) WithAttrs(attrs []slog.Attr) slog.Handler {
	scope := h.scope
	for _, a := range attrs {
		scope += a.Key + "=" + a.Value.String() + ";"
	}
	return &RepeatSuppressor{next: h.next.WithAttrs(attrs), window: h.window, scope: scope, state: h.state}
}

func (h *RepeatSuppressor) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &RepeatSuppressor{
		next:   h.next.WithGroup(name),
		window: h.window,
		scope:  h.scope + "[" + name + "];",
		state:  h.state,
	}
}
