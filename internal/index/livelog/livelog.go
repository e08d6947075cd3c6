// Package livelog implements the Log Writer: per-job live log segments that
// buffer index mutations until they are sealed, backed up and folded into a
// checkpoint.
package livelog

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/syntrixbase/backupindex/internal/index/store"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/metrics"
	"github.com/syntrixbase/backupindex/internal/payload"
)

// StoreResolver returns the Index Store an entity's appends are applied to.
type StoreResolver interface {
	Store(entity types.EntityID) (store.Store, error)
}

// Config configures a Writer.
type Config struct {
	// Dir holds one file per sealed segment. Empty keeps segments in memory.
	Dir string
	// LockWait bounds how long Append/Seal wait for a checkpoint snapshot.
	LockWait time.Duration
	// MaxOpenRecords caps buffered records across an entity's open segments.
	// Zero means unlimited.
	MaxOpenRecords int
}

// SealedSegment describes a sealed segment held in the local cache.
type SealedSegment struct {
	Seq      uint64
	Job      types.JobID
	SealedAt time.Time
	Records  int
	BackedUp bool
	Handle   payload.Handle
}

// Writer appends records to live log segments.
type Writer struct {
	cfg    Config
	stores StoreResolver
	cache  segmentCache
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	entities map[types.EntityID]*entityLog
}

type openSegment struct {
	records []types.Record
	bySeq   map[uint64]int
}

type entityLog struct {
	mu sync.Mutex
	// gate is non-nil while a checkpoint holds the entity; it is closed on
	// unlock.
	gate chan struct{}

	lastSeq  uint64
	open     map[types.JobID]*openSegment
	buffered int
	sealed   []SealedSegment
	sealedBy map[types.JobID]uint64
}

// NewWriter creates a Writer. A nil clock uses the wall clock.
func NewWriter(cfg Config, stores StoreResolver, clk clock.Clock, logger *slog.Logger) (*Writer, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	var cache segmentCache = newMemoryCache()
	if cfg.Dir != "" {
		fc, err := newFileCache(cfg.Dir)
		if err != nil {
			return nil, err
		}
		cache = fc
	}
	return &Writer{
		cfg:      cfg,
		stores:   stores,
		cache:    cache,
		clock:    clk,
		logger:   logger.With("component", "livelog"),
		entities: make(map[types.EntityID]*entityLog),
	}, nil
}

// Attach prepares the writer for an entity whose last sealed sequence is
// lastSealedSeq. Sealed segments left in the local cache by a previous run
// are picked up again as not yet backed up.
func (w *Writer) Attach(entity types.EntityID, lastSealedSeq uint64) error {
	segs, err := w.cache.list(entity)
	if err != nil {
		return err
	}

	l := w.entity(entity)
	l.mu.Lock()
	defer l.mu.Unlock()
	if lastSealedSeq > l.lastSeq {
		l.lastSeq = lastSealedSeq
	}
	for _, seg := range segs {
		if _, ok := l.sealedBy[seg.Job]; ok {
			continue
		}
		l.sealed = append(l.sealed, SealedSegment{
			Seq:      seg.Seq,
			Job:      seg.Job,
			SealedAt: seg.SealedAt,
			Records:  len(seg.Records),
		})
		l.sealedBy[seg.Job] = seg.Seq
		if seg.Seq > l.lastSeq {
			l.lastSeq = seg.Seq
		}
	}
	slices.SortFunc(l.sealed, func(a, b SealedSegment) int { return cmp.Compare(a.Seq, b.Seq) })
	if len(segs) > 0 {
		w.logger.Info("recovered sealed segments", "entity", entity, "count", len(segs))
	}
	return nil
}

func (w *Writer) entity(id types.EntityID) *entityLog {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.entities[id]
	if !ok {
		l = &entityLog{
			open:     make(map[types.JobID]*openSegment),
			sealedBy: make(map[types.JobID]uint64),
		}
		w.entities[id] = l
	}
	return l
}

// enter acquires l.mu once no checkpoint holds the entity, waiting at most
// LockWait.
func (w *Writer) enter(ctx context.Context, l *entityLog) error {
	var timer *clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		l.mu.Lock()
		gate := l.gate
		if gate == nil {
			return nil
		}
		l.mu.Unlock()

		if timer == nil {
			timer = w.clock.Timer(w.cfg.LockWait)
		}
		select {
		case <-gate:
		case <-timer.C:
			return types.ErrEntityLocked
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Lock holds the entity's live logs for a checkpoint snapshot. Appends and
// seals wait until the returned unlock runs.
func (w *Writer) Lock(ctx context.Context, entity types.EntityID) (func(), error) {
	l := w.entity(entity)
	if err := w.enter(ctx, l); err != nil {
		return nil, err
	}
	gate := make(chan struct{})
	l.gate = gate
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.gate = nil
			l.mu.Unlock()
			close(gate)
		})
	}, nil
}

func checkRecord(job types.JobID, rec *types.Record) error {
	if rec.Job == "" {
		rec.Job = job
	}
	if rec.Job != job {
		return fmt.Errorf("%w: record job %s does not match %s", types.ErrInvalidRecord, rec.Job, job)
	}
	return rec.Validate()
}

// Append adds rec to job's open segment and applies it to the Index Store.
// Re-appending the same record is a no-op, also after the job was sealed.
func (w *Writer) Append(ctx context.Context, entity types.EntityID, job types.JobID, rec types.Record) error {
	if err := checkRecord(job, &rec); err != nil {
		return err
	}

	l := w.entity(entity)
	if err := w.enter(ctx, l); err != nil {
		return fmt.Errorf("append to %s/%s: %w", entity, job, err)
	}
	defer l.mu.Unlock()

	if seq, ok := l.sealedBy[job]; ok {
		return w.resubmitted(entity, job, seq, rec)
	}
	seg := l.open[job]
	if seg != nil {
		if i, ok := seg.bySeq[rec.Seq]; ok {
			if seg.records[i].Equal(rec) {
				return nil
			}
			return fmt.Errorf("%w: job %s seq %d", types.ErrSequenceConflict, job, rec.Seq)
		}
	}
	if w.cfg.MaxOpenRecords > 0 && l.buffered >= w.cfg.MaxOpenRecords {
		return fmt.Errorf("%w: %d open records for %s", types.ErrStorageFull, l.buffered, entity)
	}

	s, err := w.stores.Store(entity)
	if err != nil {
		return fmt.Errorf("failed to open index store for %s: %w", entity, err)
	}
	if err := s.Apply(rec); err != nil {
		return err
	}

	if seg == nil {
		seg = &openSegment{bySeq: make(map[uint64]int)}
		l.open[job] = seg
	}
	seg.bySeq[rec.Seq] = len(seg.records)
	seg.records = append(seg.records, rec)
	l.buffered++
	metrics.RecordsAppended.Inc()
	return nil
}

// resubmitted accepts rec when job's sealed segment already holds it.
func (w *Writer) resubmitted(entity types.EntityID, job types.JobID, seq uint64, rec types.Record) error {
	seg, err := w.cache.get(entity, seq)
	if err != nil {
		return fmt.Errorf("%w: job %s", types.ErrSegmentSealed, job)
	}
	for _, r := range seg.Records {
		if r.Seq != rec.Seq {
			continue
		}
		if r.Equal(rec) {
			return nil
		}
		return fmt.Errorf("%w: job %s seq %d", types.ErrSequenceConflict, job, rec.Seq)
	}
	return fmt.Errorf("%w: job %s", types.ErrSegmentSealed, job)
}

// Seal freezes job's segment and assigns it the next entity sequence.
// Sealing an already sealed job returns the existing segment.
func (w *Writer) Seal(ctx context.Context, entity types.EntityID, job types.JobID) (SealedSegment, error) {
	l := w.entity(entity)
	if err := w.enter(ctx, l); err != nil {
		return SealedSegment{}, fmt.Errorf("seal %s/%s: %w", entity, job, err)
	}
	defer l.mu.Unlock()

	if seq, ok := l.sealedBy[job]; ok {
		for _, s := range l.sealed {
			if s.Seq == seq {
				return s, nil
			}
		}
		return SealedSegment{Seq: seq, Job: job, BackedUp: true}, nil
	}

	var records []types.Record
	if seg := l.open[job]; seg != nil {
		records = seg.records
	}
	seg := types.Segment{
		Entity:   entity,
		Job:      job,
		Seq:      l.lastSeq + 1,
		SealedAt: w.clock.Now().UTC(),
		Records:  records,
	}
	if err := w.cache.put(seg); err != nil {
		return SealedSegment{}, fmt.Errorf("failed to persist segment %d of %s: %w", seg.Seq, entity, err)
	}

	l.lastSeq = seg.Seq
	l.buffered -= len(records)
	delete(l.open, job)
	sealed := SealedSegment{Seq: seg.Seq, Job: job, SealedAt: seg.SealedAt, Records: len(records)}
	l.sealed = append(l.sealed, sealed)
	l.sealedBy[job] = seg.Seq

	metrics.SegmentsSealed.Inc()
	w.logger.Debug("segment sealed", "entity", entity, "job", job, "seq", seg.Seq, "records", len(records))
	return sealed, nil
}

// Commit writes records as job's sealed segment in one step: the segment is
// persisted and every record applied to the Index Store, or nothing changes.
// Commit does not count against MaxOpenRecords. Committing a job that is
// already sealed returns the existing segment.
func (w *Writer) Commit(ctx context.Context, entity types.EntityID, job types.JobID, records []types.Record) (SealedSegment, error) {
	records = slices.Clone(records)
	for i := range records {
		if err := checkRecord(job, &records[i]); err != nil {
			return SealedSegment{}, err
		}
	}

	l := w.entity(entity)
	if err := w.enter(ctx, l); err != nil {
		return SealedSegment{}, fmt.Errorf("commit %s/%s: %w", entity, job, err)
	}
	defer l.mu.Unlock()

	if seq, ok := l.sealedBy[job]; ok {
		for _, s := range l.sealed {
			if s.Seq == seq {
				return s, nil
			}
		}
		return SealedSegment{Seq: seq, Job: job, BackedUp: true}, nil
	}
	if _, ok := l.open[job]; ok {
		return SealedSegment{}, fmt.Errorf("%w: job %s has open records", types.ErrSequenceConflict, job)
	}

	st, err := w.stores.Store(entity)
	if err != nil {
		return SealedSegment{}, fmt.Errorf("failed to open index store for %s: %w", entity, err)
	}
	seg := types.Segment{
		Entity:   entity,
		Job:      job,
		Seq:      l.lastSeq + 1,
		SealedAt: w.clock.Now().UTC(),
		Records:  records,
	}
	if err := w.cache.put(seg); err != nil {
		return SealedSegment{}, fmt.Errorf("failed to persist segment %d of %s: %w", seg.Seq, entity, err)
	}
	if err := st.ApplyAll(records); err != nil {
		if rerr := w.cache.remove(entity, seg.Seq); rerr != nil {
			w.logger.Error("failed to drop uncommitted segment", "entity", entity, "seq", seg.Seq, "error", rerr)
		}
		return SealedSegment{}, fmt.Errorf("failed to apply segment %d of %s: %w", seg.Seq, entity, err)
	}

	l.lastSeq = seg.Seq
	sealed := SealedSegment{Seq: seg.Seq, Job: job, SealedAt: seg.SealedAt, Records: len(records)}
	l.sealed = append(l.sealed, sealed)
	l.sealedBy[job] = seg.Seq

	metrics.RecordsAppended.Add(float64(len(records)))
	metrics.SegmentsSealed.Inc()
	w.logger.Debug("segment committed", "entity", entity, "job", job, "seq", seg.Seq, "records", len(records))
	return sealed, nil
}

// LocalRecords returns the records held only locally: those of cached sealed
// segments after afterSeq, followed by every open segment's records.
func (w *Writer) LocalRecords(entity types.EntityID, afterSeq uint64) ([]types.Record, error) {
	l := w.entity(entity)
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.Record
	for _, s := range l.sealed {
		if s.Seq <= afterSeq {
			continue
		}
		seg, err := w.cache.get(entity, s.Seq)
		if err != nil {
			return nil, err
		}
		out = append(out, seg.Records...)
	}
	for _, seg := range l.open {
		out = append(out, seg.records...)
	}
	return out, nil
}

// Sealed returns the entity's sealed segments in sequence order. The slice is
// a copy.
func (w *Writer) Sealed(entity types.EntityID) []SealedSegment {
	l := w.entity(entity)
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.sealed)
}

// LastSealedSeq returns the highest sequence assigned for the entity.
func (w *Writer) LastSealedSeq(entity types.EntityID) uint64 {
	l := w.entity(entity)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// OpenRecords returns the number of records in the entity's open segments.
func (w *Writer) OpenRecords(entity types.EntityID) int {
	l := w.entity(entity)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffered
}

// Segment loads a sealed segment from the local cache.
func (w *Writer) Segment(entity types.EntityID, seq uint64) (types.Segment, error) {
	return w.cache.get(entity, seq)
}

// MarkBackedUp records the durable handle of a sealed segment.
func (w *Writer) MarkBackedUp(entity types.EntityID, seq uint64, h payload.Handle) {
	l := w.entity(entity)
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.sealed {
		if l.sealed[i].Seq == seq {
			l.sealed[i].BackedUp = true
			l.sealed[i].Handle = h
			return
		}
	}
}

// Release drops backed-up segments with seq <= upToSeq from the local cache.
// Segments not yet backed up are kept regardless.
func (w *Writer) Release(entity types.EntityID, upToSeq uint64) (int, error) {
	l := w.entity(entity)
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.sealed[:0:0]
	released := 0
	for _, s := range l.sealed {
		if s.Seq <= upToSeq && s.BackedUp {
			if err := w.cache.remove(entity, s.Seq); err != nil {
				return released, err
			}
			released++
			continue
		}
		kept = append(kept, s)
	}
	l.sealed = kept
	return released, nil
}

// Reset drops every local live log of the entity, open and sealed. Sequence
// numbering continues where it was.
func (w *Writer) Reset(entity types.EntityID) error {
	l := w.entity(entity)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sealed {
		if err := w.cache.remove(entity, s.Seq); err != nil {
			return err
		}
	}
	l.open = make(map[types.JobID]*openSegment)
	l.buffered = 0
	l.sealed = nil
	return nil
}
