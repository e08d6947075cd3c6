// Package catalog is the job and media catalog the index consults for job
// membership, chunk placement and the durable checkpoint/segment records.
// It stands in for the relational catalog database owned elsewhere.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/payload"
)

// Placement maps a chunk to the node serving reads for it.
type Placement struct {
	Ref      types.ChunkRef `json:"ref"`
	Node     types.NodeID   `json:"node"`
	Size     int64          `json:"size"`
	Checksum uint64         `json:"checksum"`
}

// CheckpointRecord is a committed checkpoint. Provisional checkpoints are
// never recorded, so everything here is visible to playback.
type CheckpointRecord struct {
	ID             string         `json:"id"`
	Entity         types.EntityID `json:"entity"`
	TransactionID  uint64         `json:"transactionId"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastSegmentSeq uint64         `json:"lastSegmentSeq"`
	FoldedSegments []uint64       `json:"foldedSegments"`
	Handle         payload.Handle `json:"handle"`
}

// SegmentRecord is a live log segment that has been backed up.
type SegmentRecord struct {
	Entity   types.EntityID `json:"entity"`
	Seq      uint64         `json:"seq"`
	Job      types.JobID    `json:"job"`
	SealedAt time.Time      `json:"sealedAt"`
	Records  int            `json:"records"`
	Handle   payload.Handle `json:"handle"`
}

// Catalog is the metadata service contract.
type Catalog interface {
	PutEntity(ctx context.Context, e types.Entity) error
	GetEntity(ctx context.Context, id types.EntityID) (types.Entity, error)
	ListEntities(ctx context.Context) ([]types.Entity, error)

	// RecordJob inserts or updates a job. A completed job's chunk set cannot
	// change afterwards.
	RecordJob(ctx context.Context, job types.Job) error
	GetJob(ctx context.Context, id types.JobID) (types.Job, error)
	// ListJobs returns the entity's jobs ordered by start time.
	ListJobs(ctx context.Context, entity types.EntityID) ([]types.Job, error)
	// SourceJobs returns the completed jobs a synthetic full created at
	// before would consolidate. A zero before means now.
	SourceJobs(ctx context.Context, entity types.EntityID, before time.Time) ([]types.Job, error)

	RegisterChunk(ctx context.Context, p Placement) error
	LocateChunk(ctx context.Context, ref types.ChunkRef) (Placement, error)

	RecordCheckpoint(ctx context.Context, rec CheckpointRecord) error
	// ListCheckpoints returns committed checkpoints ordered by transaction ID.
	ListCheckpoints(ctx context.Context, entity types.EntityID) ([]CheckpointRecord, error)

	RecordSegment(ctx context.Context, rec SegmentRecord) error
	// ListSegments returns backed-up segments ordered by sequence.
	ListSegments(ctx context.Context, entity types.EntityID) ([]SegmentRecord, error)

	Close(ctx context.Context) error
}

// ResolveSourceJobs picks the consolidation chain from an entity's jobs: the
// newest completed basis (full or synthetic full), the newest differential
// after it, then every incremental after that.
func ResolveSourceJobs(jobs []types.Job, before time.Time) ([]types.Job, error) {
	var done []types.Job
	for _, j := range jobs {
		if j.State != types.JobCompleted {
			continue
		}
		if !before.IsZero() && j.EndTime.After(before) {
			continue
		}
		done = append(done, j)
	}
	sort.SliceStable(done, func(i, k int) bool {
		return done[i].EndTime.Before(done[k].EndTime)
	})

	basis := -1
	for i, j := range done {
		if j.Type.IsBasis() {
			basis = i
		}
	}
	if basis < 0 {
		return nil, fmt.Errorf("%w: no completed full backup", types.ErrNotFound)
	}

	chain := []types.Job{done[basis]}
	tail := done[basis+1:]

	diff := -1
	for i, j := range tail {
		if j.Type == types.JobDifferential {
			diff = i
		}
	}
	if diff >= 0 {
		chain = append(chain, tail[diff])
		tail = tail[diff+1:]
	}
	for _, j := range tail {
		if j.Type == types.JobIncremental {
			chain = append(chain, j)
		}
	}
	return chain, nil
}

func checkChunksFrozen(existing, next types.Job) error {
	if existing.State != types.JobCompleted {
		return nil
	}
	if len(existing.Chunks) != len(next.Chunks) {
		return fmt.Errorf("%w: job %s is completed, chunk set is immutable", types.ErrInvalidTransition, existing.ID)
	}
	for i := range existing.Chunks {
		if existing.Chunks[i] != next.Chunks[i] {
			return fmt.Errorf("%w: job %s is completed, chunk set is immutable", types.ErrInvalidTransition, existing.ID)
		}
	}
	return nil
}
