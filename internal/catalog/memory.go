package catalog

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

// MemoryCatalog is an in-process Catalog.
type MemoryCatalog struct {
	mu          sync.RWMutex
	entities    map[types.EntityID]types.Entity
	jobs        map[types.JobID]types.Job
	chunks      map[types.ChunkRef]Placement
	checkpoints map[types.EntityID][]CheckpointRecord
	segments    map[types.EntityID]map[uint64]SegmentRecord
}

// NewMemoryCatalog creates an empty MemoryCatalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		entities:    make(map[types.EntityID]types.Entity),
		jobs:        make(map[types.JobID]types.Job),
		chunks:      make(map[types.ChunkRef]Placement),
		checkpoints: make(map[types.EntityID][]CheckpointRecord),
		segments:    make(map[types.EntityID]map[uint64]SegmentRecord),
	}
}

func (c *MemoryCatalog) PutEntity(_ context.Context, e types.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[e.ID] = e
	return nil
}

func (c *MemoryCatalog) GetEntity(_ context.Context, id types.EntityID) (types.Entity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[id]
	if !ok {
		return types.Entity{}, fmt.Errorf("%w: entity %s", types.ErrNotFound, id)
	}
	return e, nil
}

func (c *MemoryCatalog) ListEntities(_ context.Context) ([]types.Entity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (c *MemoryCatalog) RecordJob(_ context.Context, job types.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.jobs[job.ID]; ok {
		if err := checkChunksFrozen(existing, job); err != nil {
			return err
		}
	}
	job.Chunks = slices.Clone(job.Chunks)
	c.jobs[job.ID] = job
	return nil
}

func (c *MemoryCatalog) GetJob(_ context.Context, id types.JobID) (types.Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[id]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	j.Chunks = slices.Clone(j.Chunks)
	return j, nil
}

func (c *MemoryCatalog) ListJobs(_ context.Context, entity types.EntityID) ([]types.Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.Job
	for _, j := range c.jobs {
		if j.Entity == entity {
			j.Chunks = slices.Clone(j.Chunks)
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].StartTime.Equal(out[k].StartTime) {
			return out[i].StartTime.Before(out[k].StartTime)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (c *MemoryCatalog) SourceJobs(ctx context.Context, entity types.EntityID, before time.Time) ([]types.Job, error) {
	jobs, err := c.ListJobs(ctx, entity)
	if err != nil {
		return nil, err
	}
	return ResolveSourceJobs(jobs, before)
}

func (c *MemoryCatalog) RegisterChunk(_ context.Context, p Placement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[p.Ref] = p
	return nil
}

func (c *MemoryCatalog) LocateChunk(_ context.Context, ref types.ChunkRef) (Placement, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.chunks[ref]
	if !ok {
		return Placement{}, fmt.Errorf("%w: chunk %s has no placement", types.ErrNotFound, ref)
	}
	return p, nil
}

func (c *MemoryCatalog) RecordCheckpoint(_ context.Context, rec CheckpointRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.checkpoints[rec.Entity]
	for _, existing := range list {
		if existing.TransactionID == rec.TransactionID {
			if existing.ID == rec.ID {
				return nil
			}
			return fmt.Errorf("checkpoint for transaction %d of %s already recorded", rec.TransactionID, rec.Entity)
		}
	}
	rec.FoldedSegments = slices.Clone(rec.FoldedSegments)
	list = append(list, rec)
	sort.Slice(list, func(i, k int) bool { return list[i].TransactionID < list[k].TransactionID })
	c.checkpoints[rec.Entity] = list
	return nil
}

func (c *MemoryCatalog) ListCheckpoints(_ context.Context, entity types.EntityID) ([]CheckpointRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.checkpoints[entity]), nil
}

func (c *MemoryCatalog) RecordSegment(_ context.Context, rec SegmentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.segments[rec.Entity]
	if m == nil {
		m = make(map[uint64]SegmentRecord)
		c.segments[rec.Entity] = m
	}
	m[rec.Seq] = rec
	return nil
}

func (c *MemoryCatalog) ListSegments(_ context.Context, entity types.EntityID) ([]SegmentRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SegmentRecord, 0, len(c.segments[entity]))
	for _, s := range c.segments[entity] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Seq < out[k].Seq })
	return out, nil
}

// DropSegment forgets a backed-up segment. Tests use it to punch holes in
// the log.
func (c *MemoryCatalog) DropSegment(entity types.EntityID, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.segments[entity], seq)
}

func (c *MemoryCatalog) Close(context.Context) error { return nil }
