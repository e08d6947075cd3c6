// Package store implements the per-entity Index Store: the queryable,
// multi-version browse tree fed by the live log writer and rebuilt by
// playback.
//
// Every applied record is kept as a version keyed by (path, time, job, seq).
// Queries resolve, per path, the newest version at or before the requested
// point in time. Delete records are tombstones and stay in the store until
// compaction removes them.
package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

// Store is the Index Store of one entity.
type Store interface {
	// Apply records one mutation. Applying the same record twice is a no-op.
	Apply(rec types.Record) error

	// ApplyAll records every mutation or none of them.
	ApplyAll(recs []types.Record) error

	// Query returns entries ordered by path. The sequence is finite and can
	// be ranged over again to restart it.
	Query(opts QueryOptions) iter.Seq2[types.Entry, error]

	// Snapshot captures every version and the store meta.
	Snapshot() (*Snapshot, error)

	// Restore replaces the store contents with the snapshot.
	Restore(snap *Snapshot) error

	// Compact drops tombstoned paths whose tombstone is older than cutoff,
	// along with the versions the tombstone shadows. It returns the number
	// of versions removed.
	Compact(cutoff time.Time) (int, error)

	Meta() (Meta, error)
	SetMeta(m Meta) error
	Stats() (Stats, error)

	// Clear removes all versions and resets meta.
	Clear() error
	Close() error
}

// Opener opens and destroys per-entity stores.
type Opener interface {
	Open(entity types.EntityID) (Store, error)
	Exists(entity types.EntityID) bool
	// Destroy removes the entity's local store. The store must be closed.
	Destroy(entity types.EntityID) error
}

// QueryOptions configures a query.
type QueryOptions struct {
	// Prefix restricts results to paths starting with it.
	Prefix string

	// PointInTime limits the view to versions with time <= PointInTime.
	// The zero value means current state.
	PointInTime time.Time

	// IncludeDeleted returns tombstoned entries as well.
	IncludeDeleted bool
}

// Meta records what the store reflects.
type Meta struct {
	TransactionID  uint64 `bson:"txn"`
	LastAppliedSeq uint64 `bson:"last_seq"`
	// Stale is set while the store does not hold the entity's latest state:
	// after a point-in-time rebuild, or when it was created empty.
	Stale bool `bson:"stale"`
}

// Stats describes store contents.
type Stats struct {
	Versions int
	Paths    int
}

// Snapshot is the frozen state of a store.
type Snapshot struct {
	Meta     Meta
	Versions []types.Record
}

type snapshotDoc struct {
	Meta    Meta   `bson:"meta"`
	Records []byte `bson:"records"`
}

// Encode serializes the snapshot. Versions are written in key order, so equal
// stores produce identical bytes.
func (s *Snapshot) Encode() ([]byte, error) {
	records, err := types.EncodeRecords(s.Versions)
	if err != nil {
		return nil, err
	}
	return bson.Marshal(snapshotDoc{Meta: s.Meta, Records: records})
}

// DecodeSnapshot parses a snapshot produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var d snapshotDoc
	if err := bson.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	versions, err := types.DecodeRecords(d.Records)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Meta: d.Meta, Versions: versions}, nil
}

// Key layout: v/{path}\x00{time:8}{job}\x00{seq:8}
var versionPrefix = []byte("v/")

func versionKey(rec types.Record) []byte {
	k := make([]byte, 0, len(versionPrefix)+len(rec.Path)+len(rec.Job)+18)
	k = append(k, versionPrefix...)
	k = append(k, rec.Path...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, orderedTime(rec.Time))
	k = append(k, rec.Job...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, rec.Seq)
	return k
}

// pathFromKey extracts the path portion of a version key.
func pathFromKey(key []byte) string {
	rest := key[len(versionPrefix):]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		return string(rest[:i])
	}
	return string(rest)
}

func prefixKey(prefix string) []byte {
	return append(append([]byte{}, versionPrefix...), prefix...)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if there is none.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// orderedTime maps a timestamp onto uint64 so byte order matches time order.
func orderedTime(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63)
}

// resolve picks the entry a path shows under opts. versions must be sorted by
// key and all belong to one path.
func resolve(versions []types.Record, opts QueryOptions) (types.Entry, bool) {
	var cur, lastLive *types.Record
	for i := range versions {
		v := &versions[i]
		if !opts.PointInTime.IsZero() && v.Time.After(opts.PointInTime) {
			break
		}
		cur = v
		if v.Op != types.OpDelete {
			lastLive = v
		}
	}
	if cur == nil {
		return types.Entry{}, false
	}

	if cur.Op != types.OpDelete {
		return types.Entry{
			Path:       cur.Path,
			Kind:       kindOrFile(cur.Kind),
			Size:       cur.Size,
			Job:        cur.Job,
			ModifiedAt: cur.Time,
		}, true
	}
	if !opts.IncludeDeleted {
		return types.Entry{}, false
	}

	e := types.Entry{
		Path:       cur.Path,
		Kind:       kindOrFile(cur.Kind),
		Job:        cur.Job,
		ModifiedAt: cur.Time,
		Deleted:    true,
		DeletedAt:  cur.Time,
	}
	if lastLive != nil {
		e.Kind = kindOrFile(lastLive.Kind)
		e.Size = lastLive.Size
		e.Job = lastLive.Job
		e.ModifiedAt = lastLive.Time
	}
	return e, true
}

func kindOrFile(k types.EntryKind) types.EntryKind {
	if k == 0 {
		return types.KindFile
	}
	return k
}

// compactable returns how many leading versions of a path may be dropped:
// everything up to and including the newest tombstone older than cutoff,
// provided that tombstone is the newest version before cutoff.
func compactable(versions []types.Record, cutoff time.Time) int {
	last := -1
	for i, v := range versions {
		if !v.Time.Before(cutoff) {
			break
		}
		last = i
	}
	if last < 0 || versions[last].Op != types.OpDelete {
		return 0
	}
	return last + 1
}

// pathGrouper collects key-ordered versions and hands them over one path at a
// time. The slice passed to the flush callback is reused afterwards.
type pathGrouper struct {
	path     string
	versions []types.Record
}

func (g *pathGrouper) add(rec types.Record, flush func(path string, versions []types.Record) bool) bool {
	if len(g.versions) > 0 && rec.Path != g.path {
		if !g.flush(flush) {
			return false
		}
	}
	g.path = rec.Path
	g.versions = append(g.versions, rec)
	return true
}

func (g *pathGrouper) flush(fn func(path string, versions []types.Record) bool) bool {
	if len(g.versions) == 0 {
		return true
	}
	ok := fn(g.path, g.versions)
	g.versions = g.versions[:0]
	return ok
}

func hasPathPrefix(path, prefix string) bool {
	return prefix == "" || strings.HasPrefix(path, prefix)
}
