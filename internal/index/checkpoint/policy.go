package checkpoint

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/syntrixbase/backupindex/internal/catalog"
)

// Policy defines when automatic checkpoints are taken.
type Policy struct {
	// Time-based: checkpoint every interval
	Interval time.Duration

	// Record-based: checkpoint every N appended records
	EventCount int

	// Always checkpoint on graceful shutdown
	OnShutdown bool
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		Interval:   10 * time.Minute,
		EventCount: 100000,
		OnShutdown: true,
	}
}

// Tracker tracks when an entity is due for a checkpoint.
type Tracker struct {
	policy Policy
	clock  clock.Clock

	mu             sync.Mutex
	lastCheckpoint time.Time
	eventsSince    int
}

// NewTracker creates a new Tracker.
func NewTracker(policy Policy, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		policy:         policy,
		clock:          clk,
		lastCheckpoint: clk.Now(),
	}
}

// RecordEvents records n appended records and reports whether a checkpoint
// is due.
func (t *Tracker) RecordEvents(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eventsSince += n
	return t.dueLocked()
}

// Due reports whether a checkpoint is due without recording anything.
func (t *Tracker) Due() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dueLocked()
}

func (t *Tracker) dueLocked() bool {
	if t.eventsSince == 0 {
		return false
	}
	if t.policy.EventCount > 0 && t.eventsSince >= t.policy.EventCount {
		return true
	}
	return t.policy.Interval > 0 && t.clock.Since(t.lastCheckpoint) >= t.policy.Interval
}

// MarkCheckpointed marks that a checkpoint was taken.
func (t *Tracker) MarkCheckpointed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCheckpoint = t.clock.Now()
	t.eventsSince = 0
}

// ShouldCheckpointOnShutdown returns true if records are pending and the
// policy asks for a shutdown checkpoint.
func (t *Tracker) ShouldCheckpointOnShutdown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy.OnShutdown && t.eventsSince > 0
}

// RetentionPolicy bounds how long tombstones survive. A tombstone may be
// compacted once it is older than the creation time of the Checkpoints-th
// previous committed checkpoint and older than MaxAge. Zero values disable
// the respective bound; both zero disables compaction.
type RetentionPolicy struct {
	Checkpoints int
	MaxAge      time.Duration
}

// Enabled reports whether any compaction happens.
func (p RetentionPolicy) Enabled() bool {
	return p.Checkpoints > 0 || p.MaxAge > 0
}

// Cutoff returns the compaction cutoff given the committed checkpoints in
// transaction order. ok is false when nothing may be compacted yet.
func (p RetentionPolicy) Cutoff(now time.Time, committed []catalog.CheckpointRecord) (cutoff time.Time, ok bool) {
	if !p.Enabled() {
		return time.Time{}, false
	}
	if p.Checkpoints > 0 {
		if len(committed) <= p.Checkpoints {
			return time.Time{}, false
		}
		cutoff = committed[len(committed)-1-p.Checkpoints].CreatedAt
	}
	if p.MaxAge > 0 {
		byAge := now.Add(-p.MaxAge)
		if cutoff.IsZero() || byAge.Before(cutoff) {
			cutoff = byAge
		}
	}
	return cutoff, true
}
