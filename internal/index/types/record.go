package types

import (
	"fmt"
	"strings"
	"time"
)

// Op is the kind of index mutation.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpModify
	OpDelete
)

// String returns the op name.
func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MarshalText encodes the op by name.
func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText parses an op name.
func (o *Op) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "add":
		*o = OpAdd
	case "modify":
		*o = OpModify
	case "delete":
		*o = OpDelete
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidRecord, b)
	}
	return nil
}

// EntryKind distinguishes files from folders in the browse tree.
type EntryKind uint8

const (
	KindFile EntryKind = iota + 1
	KindFolder
)

// String returns the kind name.
func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k EntryKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses a kind name.
func (k *EntryKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "file":
		*k = KindFile
	case "folder":
		*k = KindFolder
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, b)
	}
	return nil
}

// Record is one IndexMutationRecord. Delete records are tombstones: the
// store keeps them as versions instead of removing data.
type Record struct {
	Op   Op
	Path string
	Kind EntryKind
	Size int64

	// Job is the job that produced the record and Seq its position within
	// that job. (Job, Seq) identifies the record for idempotent appends.
	Job JobID
	Seq uint64

	// Time is the logical timestamp used by point-in-time queries.
	Time time.Time
}

// Validate checks the record is well formed.
func (r Record) Validate() error {
	switch r.Op {
	case OpAdd, OpModify, OpDelete:
	default:
		return fmt.Errorf("%w: invalid op %d", ErrInvalidRecord, r.Op)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("%w: path %q must be absolute", ErrInvalidRecord, r.Path)
	}
	if strings.IndexByte(r.Path, 0) >= 0 {
		return fmt.Errorf("%w: path contains NUL", ErrInvalidRecord)
	}
	if r.Job == "" {
		return fmt.Errorf("%w: missing job", ErrInvalidRecord)
	}
	if r.Time.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}
	return nil
}

// Equal reports whether two records carry the same mutation.
func (r Record) Equal(o Record) bool {
	return r.Op == o.Op && r.Path == o.Path && r.Kind == o.Kind && r.Size == o.Size &&
		r.Job == o.Job && r.Seq == o.Seq && r.Time.Equal(o.Time)
}

// Entry is a browse result.
type Entry struct {
	Path       string    `json:"path"`
	Kind       EntryKind `json:"kind"`
	Size       int64     `json:"size"`
	Job        JobID     `json:"job"`
	ModifiedAt time.Time `json:"modifiedAt"`
	Deleted    bool      `json:"deleted"`
	DeletedAt  time.Time `json:"deletedAt,omitempty"`
}

// Segment is a sealed live log: the immutable mutation sequence of one job.
type Segment struct {
	Entity   EntityID
	Job      JobID
	Seq      uint64
	SealedAt time.Time
	Records  []Record
}

// Checkpoint is an immutable, transaction-stamped snapshot of an entity's
// index plus the live log segments folded into it.
type Checkpoint struct {
	ID             string
	Entity         EntityID
	TransactionID  uint64
	CreatedAt      time.Time
	FoldedSegments []uint64
	LastSegmentSeq uint64
	Snapshot       []byte
}
