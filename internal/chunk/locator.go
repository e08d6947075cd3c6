// Package chunk resolves which storage node serves each chunk and whether
// the node and the chunk are currently usable.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/index/types"
)

// Health is the observed state of a chunk or node.
type Health string

const (
	HealthAvailable   Health = "available"
	HealthUnreachable Health = "unreachable"
	HealthMissing     Health = "missing"
)

// Location is where a chunk lives and whether it can be read now.
type Location struct {
	Ref    types.ChunkRef `json:"ref"`
	Node   types.NodeID   `json:"node"`
	Volume types.VolumeID `json:"volume"`
	Health Health         `json:"health"`
	// Detail is the probe error behind a non-available health.
	Detail string `json:"detail,omitempty"`

	Placement catalog.Placement `json:"-"`
}

// NodeProber checks that a storage node answers. A nil error means available.
type NodeProber interface {
	ProbeNode(ctx context.Context, node types.NodeID) error
}

// ChunkProber checks that a chunk can be opened on its node. Errors matching
// types.ErrChunkMissing mean the chunk is gone or renamed.
type ChunkProber interface {
	ProbeChunk(ctx context.Context, p catalog.Placement) error
}

// Config configures a Locator.
type Config struct {
	// HealthTTL is how long a node health observation is reused. Zero
	// probes on every call.
	HealthTTL time.Duration
	// CacheSize bounds the number of cached node observations.
	CacheSize int
}

// Locator resolves chunk locations and tracks shared read leases.
type Locator struct {
	catalog catalog.Catalog
	nodes   NodeProber
	chunks  ChunkProber
	health  *expirable.LRU[types.NodeID, nodeObservation]
	logger  *slog.Logger

	mu     sync.Mutex
	leases map[types.ChunkRef]map[types.JobID]struct{}
	byJob  map[types.JobID][]types.ChunkRef
}

type nodeObservation struct {
	health Health
	detail string
}

// NewLocator creates a Locator.
func NewLocator(cfg Config, cat catalog.Catalog, nodes NodeProber, chunks ChunkProber, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Locator{
		catalog: cat,
		nodes:   nodes,
		chunks:  chunks,
		logger:  logger.With("component", "chunk-locator"),
		leases:  make(map[types.ChunkRef]map[types.JobID]struct{}),
		byJob:   make(map[types.JobID][]types.ChunkRef),
	}
	if cfg.HealthTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 1024
		}
		l.health = expirable.NewLRU[types.NodeID, nodeObservation](size, nil, cfg.HealthTTL)
	}
	return l
}

// NodeHealth reports whether node answers, reusing a recent observation.
func (l *Locator) NodeHealth(ctx context.Context, node types.NodeID) Health {
	h, _ := l.observeNode(ctx, node)
	return h
}

func (l *Locator) observeNode(ctx context.Context, node types.NodeID) (Health, string) {
	if l.health != nil {
		if obs, ok := l.health.Get(node); ok {
			return obs.health, obs.detail
		}
	}
	obs := nodeObservation{health: HealthAvailable}
	if err := l.nodes.ProbeNode(ctx, node); err != nil {
		obs = nodeObservation{health: HealthUnreachable, detail: err.Error()}
		l.logger.Debug("node unreachable", "node", node, "error", err)
	}
	if l.health != nil {
		l.health.Add(node, obs)
	}
	return obs.health, obs.detail
}

// Invalidate forgets the cached health of node so the next call probes it.
func (l *Locator) Invalidate(node types.NodeID) {
	if l.health != nil {
		l.health.Remove(node)
	}
}

// Locate resolves a chunk. An unreachable node is reported before the chunk
// itself is probed. The error is non-nil only when the placement lookup
// fails.
func (l *Locator) Locate(ctx context.Context, ref types.ChunkRef) (Location, error) {
	p, err := l.catalog.LocateChunk(ctx, ref)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return Location{Ref: ref, Volume: ref.Volume, Health: HealthMissing, Detail: err.Error()}, nil
		}
		return Location{}, err
	}

	loc := Location{Ref: ref, Node: p.Node, Volume: ref.Volume, Placement: p}
	if h, detail := l.observeNode(ctx, p.Node); h != HealthAvailable {
		loc.Health = h
		loc.Detail = detail
		return loc, nil
	}
	if err := l.chunks.ProbeChunk(ctx, p); err != nil {
		loc.Health = HealthMissing
		loc.Detail = err.Error()
		if !errors.Is(err, types.ErrChunkMissing) {
			loc.Detail = fmt.Sprintf("chunk open failed: %v", err)
		}
		return loc, nil
	}
	loc.Health = HealthAvailable
	return loc, nil
}

// Acquire takes shared read leases on refs for job. Leases never exclude
// other readers.
func (l *Locator) Acquire(job types.JobID, refs []types.ChunkRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ref := range refs {
		holders := l.leases[ref]
		if holders == nil {
			holders = make(map[types.JobID]struct{})
			l.leases[ref] = holders
		}
		if _, ok := holders[job]; ok {
			continue
		}
		holders[job] = struct{}{}
		l.byJob[job] = append(l.byJob[job], ref)
	}
}

// Release drops every lease held by job.
func (l *Locator) Release(job types.JobID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	refs := l.byJob[job]
	for _, ref := range refs {
		delete(l.leases[ref], job)
		if len(l.leases[ref]) == 0 {
			delete(l.leases, ref)
		}
	}
	delete(l.byJob, job)
	return len(refs)
}

// Leases returns the jobs holding a lease on ref.
func (l *Locator) Leases(ref types.ChunkRef) []types.JobID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.JobID, 0, len(l.leases[ref]))
	for job := range l.leases[ref] {
		out = append(out, job)
	}
	slices.Sort(out)
	return out
}

// HeldBy returns how many leases job holds.
func (l *Locator) HeldBy(job types.JobID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byJob[job])
}
