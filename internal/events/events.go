// Package events publishes job state transitions to the scheduler and
// operators. The index core only reports state; it never decides when jobs
// run.
package events

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

// Event is one job state transition.
type Event struct {
	Entity types.EntityID `json:"entity"`
	Job    types.JobID    `json:"job"`
	Type   string         `json:"type"`
	From   string         `json:"from,omitempty"`
	State  string         `json:"state"`
	Time   time.Time      `json:"time"`

	// Set while a job waits or after it failed.
	ReasonClass string   `json:"reasonClass,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Chunks      []string `json:"chunks,omitempty"`
	Nodes       []string `json:"nodes,omitempty"`
}

// Publisher delivers events. Publish must not block on slow consumers for
// long; callers log and continue on error.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// States returns the published states of job in order.
func (r *Recorder) States(job types.JobID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Job == job {
			out = append(out, ev.State)
		}
	}
	return out
}

// WaitFor blocks until an event matching fn has been published or ctx ends.
func (r *Recorder) WaitFor(ctx context.Context, fn func(Event) bool) (Event, bool) {
	for {
		r.mu.Lock()
		for _, ev := range r.events {
			if fn(ev) {
				r.mu.Unlock()
				return ev, true
			}
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}
