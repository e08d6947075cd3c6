package synthfull

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/chunk"
	"github.com/syntrixbase/backupindex/internal/index/types"
)

type probeResult struct {
	placements map[types.ChunkRef]catalog.Placement
	reason     *Reason
}

type copyItem struct {
	ref       types.ChunkRef
	placement catalog.Placement
}

type streamOutcome struct {
	copied  []types.ChunkRef
	reason  *Reason
	aborted bool
}

// check probes every waiting stream and starts the ones whose chunks are all
// available.
func (o *Orchestrator) check(id types.JobID, epoch uint64) {
	o.mu.Lock()
	j, ok := o.live(id, epoch)
	if !ok {
		o.mu.Unlock()
		return
	}
	var pending []*stream
	for _, s := range j.streams {
		if s.state == streamWaiting {
			pending = append(pending, s)
		}
	}
	o.mu.Unlock()

	// Stream chunk lists are fixed after planning.
	results := make(map[int]probeResult, len(pending))
	for _, s := range pending {
		results[s.index] = o.probe(o.ctx, s.chunks)
	}

	o.mu.Lock()
	defer o.flush()
	defer o.mu.Unlock()
	if j, ok = o.live(id, epoch); !ok {
		return
	}

	var start []*stream
	placements := make(map[types.ChunkRef]catalog.Placement)
	for _, s := range pending {
		if s.state != streamWaiting {
			continue
		}
		r := results[s.index]
		s.reason = r.reason
		if r.reason == nil {
			s.state = streamRunning
			start = append(start, s)
			for ref, p := range r.placements {
				placements[ref] = p
			}
		}
	}
	if len(start) > 0 {
		o.launchLocked(j, start, placements)
	}

	if blocked := o.blockedReason(j); blocked != nil {
		if o.cfg.Retry.MaxAttempts > 0 && j.retries >= o.cfg.Retry.MaxAttempts {
			exhausted := *blocked
			exhausted.Message = fmt.Sprintf("gave up after %d retries: %s", j.retries, blocked.Message)
			o.terminateLocked(j, StateFailed, &exhausted)
			return
		}
		j.retries++
		o.transitionLocked(j, StateAwaitingChunks, blocked)
		o.scheduleLocked(j)
		return
	}
	o.advanceLocked(j)
}

// probe locates every chunk and returns the blocking reason, if any.
func (o *Orchestrator) probe(ctx context.Context, refs []types.ChunkRef) probeResult {
	res := probeResult{placements: make(map[types.ChunkRef]catalog.Placement, len(refs))}
	var reasons []*Reason
	for _, ref := range refs {
		loc, err := o.locator.Locate(ctx, ref)
		if err != nil {
			reasons = append(reasons, &Reason{Class: ReasonChunkMissing, Chunks: []types.ChunkRef{ref}})
			o.logger.Warn("Failed to locate chunk", "chunk", ref, "error", err)
			continue
		}
		switch loc.Health {
		case chunk.HealthAvailable:
			res.placements[ref] = loc.Placement
		case chunk.HealthUnreachable:
			reasons = append(reasons, &Reason{Class: ReasonNodeUnreachable, Chunks: []types.ChunkRef{ref}, Nodes: []types.NodeID{loc.Node}})
		default:
			reasons = append(reasons, &Reason{Class: ReasonChunkMissing, Chunks: []types.ChunkRef{ref}})
		}
	}
	res.reason = mergeReasons(reasons)
	return res
}

func (o *Orchestrator) blockedReason(j *job) *Reason {
	var reasons []*Reason
	for _, s := range j.streams {
		if s.state == streamWaiting {
			reasons = append(reasons, s.reason)
		}
	}
	return mergeReasons(reasons)
}

// advanceLocked moves a job with no waiting stream forward: to Consolidating
// while copies run, to the commit once every stream is done.
func (o *Orchestrator) advanceLocked(j *job) {
	for _, s := range j.streams {
		if s.state != streamDone {
			if j.state != StateConsolidating {
				o.transitionLocked(j, StateConsolidating, nil)
			}
			return
		}
	}
	if j.state != StateConsolidating {
		o.transitionLocked(j, StateConsolidating, nil)
	}
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.finalizing = true
	epoch := j.epoch
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.finalize(j, epoch)
	}()
}

func (o *Orchestrator) scheduleLocked(j *job) {
	if j.timer != nil {
		j.timer.Stop()
	}
	j.interval = o.cfg.Retry.next(j.interval)
	id, epoch := j.id, j.epoch
	o.logger.Debug("Scheduled availability check", "job", id, "in", j.interval, "retry", j.retries)
	j.timer = o.clock.AfterFunc(j.interval, func() {
		o.mu.Lock()
		if jj, ok := o.live(id, epoch); ok {
			jj.timer = nil
		}
		o.mu.Unlock()
		o.check(id, epoch)
	})
}

// launchLocked starts one copy goroutine per stream. A corrupt chunk cancels
// the sibling streams of the same launch.
func (o *Orchestrator) launchLocked(j *job, streams []*stream, placements map[types.ChunkRef]catalog.Placement) {
	var refs []types.ChunkRef
	work := make([][]copyItem, len(streams))
	for i, s := range streams {
		refs = append(refs, s.chunks...)
		for _, ref := range s.chunks {
			if !s.copied[ref] {
				work[i] = append(work[i], copyItem{ref: ref, placement: placements[ref]})
			}
		}
	}
	o.locator.Acquire(j.id, refs)

	if j.runCtx == nil {
		j.runCtx, j.runCancel = context.WithCancel(o.ctx)
	}
	ctx, id, epoch := j.runCtx, j.id, j.epoch

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		outcomes := make([]streamOutcome, len(streams))
		g, gctx := errgroup.WithContext(ctx)
		for i := range streams {
			g.Go(func() error {
				var err error
				outcomes[i], err = o.copyStream(gctx, id, work[i])
				return err
			})
		}
		err := g.Wait()
		o.afterRun(id, epoch, streams, outcomes, err)
	}()
}

// copyStream copies items in order. Only a corrupt chunk is returned as an
// error; unavailability is reported in the outcome.
func (o *Orchestrator) copyStream(ctx context.Context, id types.JobID, items []copyItem) (streamOutcome, error) {
	var out streamOutcome
	for _, it := range items {
		if ctx.Err() != nil {
			out.aborted = true
			return out, nil
		}
		err := o.mover.CopyChunk(ctx, id, it.placement)
		switch {
		case err == nil:
			out.copied = append(out.copied, it.ref)
			continue
		case ctx.Err() != nil:
			out.aborted = true
			return out, nil
		case errors.Is(err, types.ErrChunkCorrupt):
			out.reason = &Reason{Class: ReasonChunkCorrupt, Chunks: []types.ChunkRef{it.ref}, Message: err.Error()}
			return out, err
		case errors.Is(err, types.ErrNodeUnreachable):
			o.locator.Invalidate(it.placement.Node)
			out.reason = mergeReasons([]*Reason{{Class: ReasonNodeUnreachable, Chunks: []types.ChunkRef{it.ref}, Nodes: []types.NodeID{it.placement.Node}}})
		default:
			o.locator.Invalidate(it.placement.Node)
			out.reason = mergeReasons([]*Reason{{Class: ReasonChunkMissing, Chunks: []types.ChunkRef{it.ref}}})
		}
		o.logger.Warn("Chunk copy failed; stream returns to waiting", "job", id, "chunk", it.ref, "error", err)
		return out, nil
	}
	return out, nil
}

func (o *Orchestrator) afterRun(id types.JobID, epoch uint64, streams []*stream, outcomes []streamOutcome, err error) {
	o.mu.Lock()
	defer o.flush()
	defer o.mu.Unlock()

	j, ok := o.live(id, epoch)
	if !ok {
		return
	}
	for i, s := range streams {
		for _, ref := range outcomes[i].copied {
			s.copied[ref] = true
		}
	}
	if err != nil {
		var reason *Reason
		for _, out := range outcomes {
			if out.reason != nil && out.reason.Class == ReasonChunkCorrupt {
				reason = out.reason
				break
			}
		}
		if reason == nil {
			reason = &Reason{Class: ReasonChunkCorrupt, Message: err.Error()}
		}
		o.terminateLocked(j, StateFailed, reason)
		return
	}

	for i, s := range streams {
		switch {
		case outcomes[i].reason != nil || outcomes[i].aborted:
			s.state = streamWaiting
			s.reason = outcomes[i].reason
		default:
			s.state = streamDone
			s.reason = nil
		}
	}

	if blocked := o.blockedReason(j); blocked != nil {
		o.transitionLocked(j, StateAwaitingChunks, blocked)
		if j.timer == nil {
			o.scheduleLocked(j)
		}
		return
	}
	o.advanceLocked(j)
}

// finalize commits the consolidated index. It runs once every stream is
// done and cannot be paused or killed. The job is recorded completed before
// the index commit; a failed commit records it failed again.
func (o *Orchestrator) finalize(j *job, epoch uint64) {
	o.mu.Lock()
	rec := o.catalogJob(j, types.JobCompleted)
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(o.ctx, 5*time.Minute)
	defer cancel()

	commit, err := o.sink.Prepare(ctx, &rec)
	if err == nil {
		rec.EndTime = o.clock.Now().UTC()
		err = o.catalog.RecordJob(ctx, rec)
	}
	if err == nil {
		err = commit(ctx)
	}

	o.mu.Lock()
	defer o.flush()
	defer o.mu.Unlock()
	j.finalizing = false
	if j.epoch != epoch || j.state.Terminal() {
		return
	}
	if err != nil {
		o.logger.Error("Failed to commit synthetic full", "job", j.id, "error", err)
		o.terminateLocked(j, StateFailed, &Reason{Class: ReasonFinalizeFailed, Message: err.Error()})
		return
	}

	j.epoch++
	if j.runCancel != nil {
		j.runCancel()
		j.runCtx, j.runCancel = nil, nil
	}
	o.transitionLocked(j, StateCompleted, nil)
	o.logger.Info("Completed synthetic full",
		"job", j.id, "entity", j.entity, "chunks", len(rec.Chunks),
		"source_transactions", rec.SourceTransactions, "basis_transaction", rec.BasisTransaction)

	released := o.locator.Release(j.id)
	o.logger.Debug("Released chunk leases", "job", j.id, "leases", released)
	close(j.done)
}
