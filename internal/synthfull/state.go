package synthfull

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

// State is the lifecycle state of a synthetic-full job.
type State string

const (
	StatePlanning       State = "planning"
	StateAwaitingChunks State = "awaiting_chunks"
	StateConsolidating  State = "consolidating"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateKilled         State = "killed"
	StateSuspended      State = "suspended"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateKilled
}

// transitions lists the legal moves. AwaitingChunks may re-enter itself
// when the blocking reason changes.
var transitions = map[State][]State{
	StatePlanning:       {StateAwaitingChunks, StateConsolidating, StateFailed, StateKilled},
	StateAwaitingChunks: {StateAwaitingChunks, StateConsolidating, StateFailed, StateKilled, StateSuspended},
	StateConsolidating:  {StateAwaitingChunks, StateCompleted, StateFailed, StateKilled, StateSuspended},
	StateSuspended:      {StateAwaitingChunks, StateConsolidating, StateKilled},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, from, to)
	}
	return nil
}

// ReasonClass distinguishes why a job is waiting or failed.
type ReasonClass string

const (
	ReasonNodeUnreachable ReasonClass = "node_unreachable"
	ReasonChunkMissing    ReasonClass = "chunk_missing"
	ReasonChunkCorrupt    ReasonClass = "chunk_corrupt"
	ReasonNoSources       ReasonClass = "no_sources"
	ReasonFinalizeFailed  ReasonClass = "finalize_failed"
)

// Reason is the inspectable explanation of a pending or failed job.
type Reason struct {
	Class   ReasonClass      `json:"class"`
	Chunks  []types.ChunkRef `json:"chunks,omitempty"`
	Nodes   []types.NodeID   `json:"nodes,omitempty"`
	Message string           `json:"message"`
}

func (r *Reason) String() string {
	if r == nil {
		return ""
	}
	return string(r.Class) + ": " + r.Message
}

// mergeReasons combines per-stream reasons. Node unreachability dominates
// missing chunks.
func mergeReasons(reasons []*Reason) *Reason {
	var out *Reason
	for _, r := range reasons {
		if r == nil {
			continue
		}
		if out == nil {
			out = &Reason{Class: r.Class}
		}
		if r.Class == ReasonNodeUnreachable {
			out.Class = ReasonNodeUnreachable
		}
		out.Chunks = append(out.Chunks, r.Chunks...)
		out.Nodes = append(out.Nodes, r.Nodes...)
	}
	if out == nil {
		return nil
	}
	slices.SortFunc(out.Chunks, func(a, b types.ChunkRef) int { return strings.Compare(a.String(), b.String()) })
	out.Chunks = slices.Compact(out.Chunks)
	slices.Sort(out.Nodes)
	out.Nodes = slices.Compact(out.Nodes)
	out.Message = describe(out)
	return out
}

func describe(r *Reason) string {
	chunks := make([]string, len(r.Chunks))
	for i, c := range r.Chunks {
		chunks[i] = c.String()
	}
	switch r.Class {
	case ReasonNodeUnreachable:
		nodes := make([]string, len(r.Nodes))
		for i, n := range r.Nodes {
			nodes[i] = string(n)
		}
		return fmt.Sprintf("media agent %s is not reachable; waiting for chunks %s",
			strings.Join(nodes, ", "), strings.Join(chunks, ", "))
	case ReasonChunkMissing:
		return fmt.Sprintf("failed to open chunk %s for read; waiting for it to be restored",
			strings.Join(chunks, ", "))
	default:
		return strings.Join(chunks, ", ")
	}
}

// RetryPolicy bounds the wait for unavailable chunks.
type RetryPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	// MaxAttempts is the number of availability checks that may find the
	// job blocked before it fails. Zero means no limit.
	MaxAttempts int
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval:    30 * time.Second,
		MaxInterval: 10 * time.Minute,
		Multiplier:  2,
		MaxAttempts: 60,
	}
}

func (p RetryPolicy) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return p.Interval
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	n := time.Duration(float64(cur) * m)
	if p.MaxInterval > 0 && n > p.MaxInterval {
		n = p.MaxInterval
	}
	return n
}

// StreamStatus reports one consolidation stream.
type StreamStatus struct {
	Index  int            `json:"index"`
	Nodes  []types.NodeID `json:"nodes"`
	Chunks int            `json:"chunks"`
	Copied int            `json:"copied"`
	State  string         `json:"state"`
	Reason *Reason        `json:"reason,omitempty"`
}

// Status is a point-in-time view of a job.
type Status struct {
	ID         types.JobID    `json:"id"`
	Entity     types.EntityID `json:"entity"`
	State      State          `json:"state"`
	Reason     *Reason        `json:"reason,omitempty"`
	Attempts   int            `json:"attempts"`
	SourceJobs []types.JobID  `json:"sourceJobs"`
	Chunks     int            `json:"chunks"`
	Streams    []StreamStatus `json:"streams"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}
