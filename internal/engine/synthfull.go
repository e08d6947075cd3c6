package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/index/store"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/payload"
	"github.com/syntrixbase/backupindex/internal/synthfull"
)

// JobView is what the service knows about a job: the catalog record and,
// for synthetic fulls run by this process, the orchestrator status.
type JobView struct {
	Job       types.Job         `json:"job"`
	SynthFull *synthfull.Status `json:"synthFull,omitempty"`
}

// StartSyntheticFull plans and starts a synthetic full of the entity.
// streams <= 0 uses the configured default.
func (s *Service) StartSyntheticFull(ctx context.Context, entity types.EntityID, job types.JobID, streams int) (synthfull.Status, error) {
	if _, err := s.entity(ctx, entity); err != nil {
		return synthfull.Status{}, err
	}
	return s.synth.Submit(ctx, synthfull.Request{Entity: entity, Job: job, Streams: streams})
}

// JobStatus returns the job's catalog record and live status.
func (s *Service) JobStatus(ctx context.Context, id types.JobID) (JobView, error) {
	var view JobView
	st, serr := s.synth.Status(id)
	if serr == nil {
		view.SynthFull = &st
	}
	job, err := s.deps.Catalog.GetJob(ctx, id)
	switch {
	case err == nil:
		view.Job = job
	case serr == nil && errors.Is(err, types.ErrJobNotFound):
		view.Job = types.Job{ID: id, Entity: st.Entity, Type: types.JobSyntheticFull, State: types.JobRunning, StartTime: st.CreatedAt}
	default:
		return JobView{}, err
	}
	return view, nil
}

// WaitJob blocks until a synthetic full reaches a terminal state.
func (s *Service) WaitJob(ctx context.Context, id types.JobID) (synthfull.Status, error) {
	return s.synth.Wait(ctx, id)
}

// PauseJob suspends a synthetic full.
func (s *Service) PauseJob(id types.JobID) (synthfull.Status, error) {
	return s.synth.Pause(id)
}

// ResumeJob resumes a suspended synthetic full.
func (s *Service) ResumeJob(id types.JobID) (synthfull.Status, error) {
	return s.synth.Resume(id)
}

// KillJob kills a synthetic full.
func (s *Service) KillJob(id types.JobID) (synthfull.Status, error) {
	return s.synth.Kill(id)
}

// consolidator writes a synthetic full's index as the job's own segment.
type consolidator struct {
	svc *Service
}

// Prepare implements synthfull.IndexSink. The index is built from the
// source jobs' segments alone. Live entries become Add records at commit
// time; deleted entries become Delete records at their original deletion
// time, so browsing the synthetic full still shows them.
func (c *consolidator) Prepare(ctx context.Context, job *types.Job) (func(context.Context) error, error) {
	s := c.svc
	view, err := c.sourceView(ctx, job)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	var records []types.Record
	for e, err := range view.Query(store.QueryOptions{IncludeDeleted: true}) {
		if err != nil {
			return nil, fmt.Errorf("failed to read sources of %s: %w", job.ID, err)
		}
		rec := types.Record{
			Op:   types.OpAdd,
			Path: e.Path,
			Kind: e.Kind,
			Size: e.Size,
			Job:  job.ID,
			Seq:  uint64(len(records) + 1),
			Time: now,
		}
		if e.Deleted {
			rec.Op = types.OpDelete
			rec.Time = e.DeletedAt
		}
		records = append(records, rec)
	}

	txns, basis, err := c.sourceTransactions(ctx, job)
	if err != nil {
		return nil, err
	}
	job.SourceTransactions = txns
	job.BasisTransaction = basis

	entity, id := job.Entity, job.ID
	return func(ctx context.Context) error {
		seg, err := s.writer.Commit(ctx, entity, id, records)
		if err != nil {
			return err
		}
		if err := s.noteSealed(ctx, entity, seg.Seq); err != nil {
			s.logger.Warn("Failed to record sealed sequence", "entity", entity, "seq", seg.Seq, "error", err)
		}
		if t := s.tracker(entity); t != nil {
			t.RecordEvents(len(records))
		}
		s.logger.Info("Consolidated synthetic full index",
			"entity", entity, "job", id, "records", len(records), "seq", seg.Seq)
		return nil
	}, nil
}

// sourceView replays the source jobs' segments, in sequence order, into a
// scratch store. Segments are read from the local cache when still there
// and from their backup otherwise.
func (c *consolidator) sourceView(ctx context.Context, job *types.Job) (*store.MemStore, error) {
	s := c.svc
	durable, err := s.deps.Catalog.ListSegments(ctx, job.Entity)
	if err != nil {
		return nil, err
	}
	backedUp := make(map[types.JobID]catalog.SegmentRecord, len(durable))
	for _, rec := range durable {
		backedUp[rec.Job] = rec
	}
	local := make(map[types.JobID]uint64)
	for _, seg := range s.writer.Sealed(job.Entity) {
		local[seg.Job] = seg.Seq
	}

	segs := make([]types.Segment, 0, len(job.SourceJobs))
	for _, src := range job.SourceJobs {
		var seg types.Segment
		if seq, ok := local[src]; ok {
			seg, err = s.writer.Segment(job.Entity, seq)
		} else if rec, ok := backedUp[src]; ok {
			seg, err = c.fetchSegment(ctx, rec)
		} else {
			err = fmt.Errorf("%w: no segment for source job %s", types.ErrGapInLog, src)
		}
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	slices.SortFunc(segs, func(a, b types.Segment) int { return cmp.Compare(a.Seq, b.Seq) })

	view := store.NewMemStore()
	for _, seg := range segs {
		if err := view.ApplyAll(seg.Records); err != nil {
			return nil, fmt.Errorf("failed to replay segment %d of %s: %w", seg.Seq, job.Entity, err)
		}
	}
	return view, nil
}

func (c *consolidator) fetchSegment(ctx context.Context, rec catalog.SegmentRecord) (types.Segment, error) {
	body, err := c.svc.deps.Payloads.Get(ctx, rec.Handle)
	if err != nil {
		if errors.Is(err, payload.ErrNotFound) || errors.Is(err, payload.ErrCorrupt) {
			return types.Segment{}, fmt.Errorf("%w: segment %d of %s: %v", types.ErrGapInLog, rec.Seq, rec.Entity, err)
		}
		return types.Segment{}, fmt.Errorf("%w: segment %d of %s: %v", types.ErrStorageUnavailable, rec.Seq, rec.Entity, err)
	}
	seg, err := types.DecodeSegment(body)
	if err != nil {
		return types.Segment{}, fmt.Errorf("%w: segment %d of %s: %v", types.ErrGapInLog, rec.Seq, rec.Entity, err)
	}
	return seg, nil
}

// sourceTransactions maps each source job to the first committed
// checkpoint that folded its segment. basis is the committed transaction
// the consolidation was built on.
func (c *consolidator) sourceTransactions(ctx context.Context, job *types.Job) ([]uint64, uint64, error) {
	s := c.svc
	ent, err := s.entity(ctx, job.Entity)
	if err != nil {
		return nil, 0, err
	}
	segs, err := s.deps.Catalog.ListSegments(ctx, job.Entity)
	if err != nil {
		return nil, 0, err
	}
	cps, err := s.deps.Catalog.ListCheckpoints(ctx, job.Entity)
	if err != nil {
		return nil, 0, err
	}

	seqByJob := make(map[types.JobID]uint64, len(segs))
	for _, seg := range segs {
		seqByJob[seg.Job] = seg.Seq
	}
	for _, seg := range s.writer.Sealed(job.Entity) {
		seqByJob[seg.Job] = seg.Seq
	}

	var txns []uint64
	for _, src := range job.SourceJobs {
		seq, ok := seqByJob[src]
		if !ok {
			continue
		}
		for _, cp := range cps {
			if cp.LastSegmentSeq >= seq {
				txns = append(txns, cp.TransactionID)
				break
			}
		}
	}
	slices.Sort(txns)
	return slices.Compact(txns), ent.CommittedTransaction, nil
}
