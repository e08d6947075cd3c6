// Package types defines the shared data model of the backup index: entities,
// jobs, index mutation records, live log segments, checkpoints and chunks.
//
// The package has no dependencies on the rest of the module so that every
// component (store, live log, checkpoint, playback, chunk locator and the
// synthetic-full orchestrator) can agree on the same vocabulary.
package types

import (
	"fmt"
	"strings"
	"time"
)

// EntityID identifies one protected dataset (a subclient/backupset).
type EntityID string

// JobID identifies a backup or consolidation job.
type JobID string

// NodeID identifies a storage node (media agent).
type NodeID string

// VolumeID identifies a storage volume on a node.
type VolumeID string

// ChunkRef identifies a stored chunk by (volume, chunk ID).
type ChunkRef struct {
	Volume VolumeID `bson:"volume" json:"volume"`
	ID     string   `bson:"id" json:"id"`
}

// String renders the chunk as volume/chunk.
func (c ChunkRef) String() string {
	return string(c.Volume) + "/" + c.ID
}

// Less orders chunks by volume, then chunk ID.
func (c ChunkRef) Less(o ChunkRef) bool {
	if c.Volume != o.Volume {
		return c.Volume < o.Volume
	}
	return c.ID < o.ID
}

// JobType is the closed set of backup job kinds.
type JobType int

const (
	JobFull JobType = iota + 1
	JobIncremental
	JobDifferential
	JobSyntheticFull
)

// String returns the job type name.
func (t JobType) String() string {
	switch t {
	case JobFull:
		return "full"
	case JobIncremental:
		return "incremental"
	case JobDifferential:
		return "differential"
	case JobSyntheticFull:
		return "synthetic_full"
	default:
		return "unknown"
	}
}

// ParseJobType parses the name produced by String.
func ParseJobType(s string) (JobType, error) {
	switch strings.ToLower(s) {
	case "full":
		return JobFull, nil
	case "incremental", "incr":
		return JobIncremental, nil
	case "differential", "diff":
		return JobDifferential, nil
	case "synthetic_full", "synthfull", "synthetic-full":
		return JobSyntheticFull, nil
	default:
		return 0, fmt.Errorf("unknown job type %q", s)
	}
}

// MarshalText encodes the job type by name.
func (t JobType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText parses a job type name.
func (t *JobType) UnmarshalText(b []byte) error {
	v, err := ParseJobType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// IsBasis reports whether a job of this type starts a new backup chain.
func (t JobType) IsBasis() bool {
	return t == JobFull || t == JobSyntheticFull
}

// NeedsChunkLocator reports whether running the job requires locating
// previously written chunks. Only consolidation reads existing chunks.
func (t JobType) NeedsChunkLocator() bool {
	return t == JobSyntheticFull
}

// JobState is the catalog-visible state of a job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobKilled    JobState = "killed"
)

// Job is a backup job as recorded in the catalog.
type Job struct {
	ID        JobID     `bson:"_id" json:"id"`
	Entity    EntityID  `bson:"entity" json:"entity"`
	Type      JobType   `bson:"type" json:"type"`
	State     JobState  `bson:"state" json:"state"`
	StartTime time.Time `bson:"start_time" json:"startTime"`
	EndTime   time.Time `bson:"end_time" json:"endTime"`

	// Chunks is the set of chunks the job wrote (or consolidated).
	Chunks []ChunkRef `bson:"chunks" json:"chunks"`

	// Synthetic-full only.
	SourceJobs         []JobID  `bson:"source_jobs,omitempty" json:"sourceJobs,omitempty"`
	SourceTransactions []uint64 `bson:"source_transactions,omitempty" json:"sourceTransactions,omitempty"`
	BasisTransaction   uint64   `bson:"basis_transaction,omitempty" json:"basisTransaction,omitempty"`
}

// IndexLevel is the scope an entity is indexed at.
type IndexLevel string

const (
	IndexLevelEntity IndexLevel = "entity"
	IndexLevelParent IndexLevel = "parent"
)

// Entity is the IndexedEntity handle. It is passed by ID into every
// component call; there is no process-wide current entity.
type Entity struct {
	ID          EntityID   `bson:"_id" json:"id"`
	Level       IndexLevel `bson:"level" json:"level"`
	IndexServer string     `bson:"index_server" json:"indexServer"`

	LocalTransaction     uint64 `bson:"local_transaction" json:"localTransaction"`
	CommittedTransaction uint64 `bson:"committed_transaction" json:"committedTransaction"`
	LastSealedSeq        uint64 `bson:"last_sealed_seq" json:"lastSealedSeq"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}
