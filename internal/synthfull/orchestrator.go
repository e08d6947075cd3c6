// Package synthfull runs synthetic-full consolidation jobs: it plans the
// chunk set of an entity's backup chain, waits for unavailable chunks
// without blocking, copies chunks in parallel streams and commits the
// consolidated index only once every stream has finished.
package synthfull

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/chunk"
	"github.com/syntrixbase/backupindex/internal/events"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/metrics"
)

// Locator resolves chunk health and tracks read leases.
type Locator interface {
	Locate(ctx context.Context, ref types.ChunkRef) (chunk.Location, error)
	Invalidate(node types.NodeID)
	Acquire(job types.JobID, refs []types.ChunkRef)
	Release(job types.JobID) int
}

// Mover copies source chunks into the job's staging area.
type Mover interface {
	CopyChunk(ctx context.Context, job types.JobID, p catalog.Placement) error
	Discard(ctx context.Context, job types.JobID) error
}

// IndexSink builds the consolidated index of a finished job. Prepare may
// fill in the job's SourceTransactions and BasisTransaction but leaves the
// index untouched. The returned commit applies the whole index or nothing.
type IndexSink interface {
	Prepare(ctx context.Context, job *types.Job) (commit func(context.Context) error, err error)
}

// Config configures an Orchestrator.
type Config struct {
	// Streams is the default number of parallel consolidation streams.
	Streams int
	Retry   RetryPolicy
}

// Request starts a synthetic full.
type Request struct {
	Entity types.EntityID
	// Job is the ID to use. Empty generates one.
	Job types.JobID
	// Streams overrides Config.Streams when positive.
	Streams int
	// Before bounds the source jobs. Zero means now.
	Before time.Time
}

// Orchestrator owns every synthetic-full job of the process.
type Orchestrator struct {
	cfg       Config
	catalog   catalog.Catalog
	locator   Locator
	mover     Mover
	sink      IndexSink
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[types.JobID]*job
	outbox []events.Event

	pubMu sync.Mutex
}

type streamState string

const (
	streamWaiting streamState = "waiting"
	streamRunning streamState = "running"
	streamDone    streamState = "done"
)

type stream struct {
	index  int
	nodes  []types.NodeID
	chunks []types.ChunkRef
	copied map[types.ChunkRef]bool
	state  streamState
	reason *Reason
}

type job struct {
	id        types.JobID
	entity    types.EntityID
	createdAt time.Time
	updatedAt time.Time

	state      State
	reason     *Reason
	sources    []types.Job
	chunks     []types.ChunkRef
	streams    []*stream
	finalizing bool

	retries  int
	interval time.Duration
	timer    *clock.Timer

	// epoch changes on pause, resume and every terminal transition.
	// Callbacks carrying an older epoch are dropped.
	epoch     uint64
	runCtx    context.Context
	runCancel context.CancelFunc

	done chan struct{}
}

// New creates an Orchestrator.
func New(cfg Config, cat catalog.Catalog, locator Locator, mover Mover, sink IndexSink, publisher events.Publisher, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	if cfg.Streams <= 0 {
		cfg.Streams = 1
	}
	if cfg.Retry.Interval <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		catalog:   cat,
		locator:   locator,
		mover:     mover,
		sink:      sink,
		publisher: publisher,
		clock:     clk,
		logger:    logger.With("component", "synthfull"),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[types.JobID]*job),
	}
}

// Submit plans a synthetic full for req.Entity and starts it. The returned
// status reflects the first availability check. A planning failure leaves
// the job Failed and is also returned as an error.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Status, error) {
	if req.Entity == "" {
		return Status{}, fmt.Errorf("entity is required")
	}
	id := req.Job
	if id == "" {
		id = types.JobID("synth-" + uuid.NewString())
	}
	now := o.clock.Now().UTC()

	o.mu.Lock()
	if _, ok := o.jobs[id]; ok {
		o.mu.Unlock()
		return Status{}, fmt.Errorf("%w: job %s already exists", types.ErrInvalidTransition, id)
	}
	j := &job{
		id:        id,
		entity:    req.Entity,
		createdAt: now,
		updatedAt: now,
		state:     StatePlanning,
		done:      make(chan struct{}),
	}
	o.jobs[id] = j
	o.emitLocked(j, "")
	o.mu.Unlock()
	o.flush()

	if err := o.catalog.RecordJob(ctx, o.catalogJob(j, types.JobRunning)); err != nil {
		o.logger.Warn("Failed to record job start", "job", id, "error", err)
	}

	sources, chunks, streams, err := o.plan(ctx, req)

	o.mu.Lock()
	if j.state != StatePlanning {
		// Killed while planning.
		st := j.status()
		o.mu.Unlock()
		o.flush()
		return st, nil
	}
	if err != nil {
		class := ReasonFinalizeFailed
		if errors.Is(err, types.ErrNotFound) {
			class = ReasonNoSources
		}
		o.terminateLocked(j, StateFailed, &Reason{Class: class, Message: err.Error()})
		st := j.status()
		o.mu.Unlock()
		o.flush()
		return st, fmt.Errorf("failed to plan synthetic full %s: %w", id, err)
	}
	j.sources, j.chunks, j.streams = sources, chunks, streams
	epoch := j.epoch
	o.mu.Unlock()

	o.logger.Info("Planned synthetic full",
		"job", id, "entity", req.Entity, "sources", len(sources), "chunks", len(chunks), "streams", len(streams))

	o.check(id, epoch)
	return o.Status(id)
}

// plan resolves the source jobs and splits their chunks into streams. All
// chunks on one node land in the same stream.
func (o *Orchestrator) plan(ctx context.Context, req Request) ([]types.Job, []types.ChunkRef, []*stream, error) {
	before := req.Before
	if before.IsZero() {
		before = o.clock.Now()
	}
	sources, err := o.catalog.SourceJobs(ctx, req.Entity, before)
	if err != nil {
		return nil, nil, nil, err
	}

	var chunks []types.ChunkRef
	for _, src := range sources {
		chunks = append(chunks, src.Chunks...)
	}
	slices.SortFunc(chunks, compareChunks)
	chunks = slices.Compact(chunks)

	byNode := make(map[types.NodeID][]types.ChunkRef)
	for _, ref := range chunks {
		p, err := o.catalog.LocateChunk(ctx, ref)
		switch {
		case errors.Is(err, types.ErrNotFound):
			// Unplaced chunks are reported missing by the availability check.
		case err != nil:
			return nil, nil, nil, err
		}
		byNode[p.Node] = append(byNode[p.Node], ref)
	}
	nodes := make([]types.NodeID, 0, len(byNode))
	for n := range byNode {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)

	n := req.Streams
	if n <= 0 {
		n = o.cfg.Streams
	}
	n = max(1, min(n, len(nodes)))
	streams := make([]*stream, n)
	for i := range streams {
		streams[i] = &stream{index: i, state: streamWaiting, copied: make(map[types.ChunkRef]bool)}
	}
	for i, node := range nodes {
		s := streams[i%n]
		s.nodes = append(s.nodes, node)
		s.chunks = append(s.chunks, byNode[node]...)
	}
	for _, s := range streams {
		slices.SortFunc(s.chunks, compareChunks)
	}
	return sources, chunks, streams, nil
}

func compareChunks(a, b types.ChunkRef) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

// Status returns the job's current status.
func (o *Orchestrator) Status(id types.JobID) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return j.status(), nil
}

// List returns the status of every job of entity, oldest first. An empty
// entity lists all jobs.
func (o *Orchestrator) List(entity types.EntityID) []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Status
	for _, j := range o.jobs {
		if entity == "" || j.entity == entity {
			out = append(out, j.status())
		}
	}
	slices.SortFunc(out, func(a, b Status) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Wait blocks until the job reaches a terminal state and its cleanup has
// run, or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id types.JobID) (Status, error) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	select {
	case <-j.done:
		return o.Status(id)
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Pause suspends a waiting or consolidating job. Timers stop, in-flight
// copies are cancelled and the plan is kept.
func (o *Orchestrator) Pause(id types.JobID) (Status, error) {
	o.mu.Lock()
	defer o.flush()
	defer o.mu.Unlock()

	j, err := o.mutable(id, StateSuspended)
	if err != nil {
		return Status{}, err
	}
	o.haltLocked(j)
	for _, s := range j.streams {
		if s.state == streamRunning {
			s.state = streamWaiting
		}
	}
	o.transitionLocked(j, StateSuspended, j.reason)
	o.logger.Info("Suspended synthetic full", "job", id)
	return j.status(), nil
}

// Resume re-runs the availability check of a suspended job against the
// original plan.
func (o *Orchestrator) Resume(id types.JobID) (Status, error) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return Status{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	if j.state != StateSuspended {
		o.mu.Unlock()
		return Status{}, fmt.Errorf("%w: cannot resume job in state %s", types.ErrInvalidTransition, j.state)
	}
	j.epoch++
	j.retries = 0
	j.interval = 0
	epoch := j.epoch
	o.mu.Unlock()

	o.logger.Info("Resuming synthetic full", "job", id)
	o.check(id, epoch)
	return o.Status(id)
}

// Kill stops a non-terminal job. Leases are released, staged chunks are
// discarded and no index change is committed.
func (o *Orchestrator) Kill(id types.JobID) (Status, error) {
	o.mu.Lock()
	defer o.flush()
	defer o.mu.Unlock()

	j, err := o.mutable(id, StateKilled)
	if err != nil {
		return Status{}, err
	}
	o.terminateLocked(j, StateKilled, nil)
	o.logger.Info("Killed synthetic full", "job", id)
	return j.status(), nil
}

func (o *Orchestrator) mutable(id types.JobID, to State) (*job, error) {
	j, ok := o.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	if j.finalizing {
		return nil, fmt.Errorf("%w: job %s is committing", types.ErrInvalidTransition, id)
	}
	if err := checkTransition(j.state, to); err != nil {
		return nil, err
	}
	return j, nil
}

// Close stops every timer and in-flight copy. Jobs keep their state.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	for _, j := range o.jobs {
		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
		}
	}
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
	return nil
}

// live returns the job when it is still in the given epoch and not terminal.
func (o *Orchestrator) live(id types.JobID, epoch uint64) (*job, bool) {
	j, ok := o.jobs[id]
	if !ok || j.epoch != epoch || j.state.Terminal() || j.finalizing {
		return nil, false
	}
	return j, true
}

// haltLocked stops the retry timer and cancels in-flight copies.
func (o *Orchestrator) haltLocked(j *job) {
	j.epoch++
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	if j.runCancel != nil {
		j.runCancel()
		j.runCtx, j.runCancel = nil, nil
	}
}

// terminateLocked moves j to a terminal state and schedules its cleanup.
func (o *Orchestrator) terminateLocked(j *job, to State, reason *Reason) {
	o.haltLocked(j)
	o.transitionLocked(j, to, reason)

	jobState := types.JobFailed
	if to == StateKilled {
		jobState = types.JobKilled
	}
	rec := o.catalogJob(j, jobState)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(j.done)
		o.locator.Release(j.id)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.mover.Discard(ctx, j.id); err != nil {
			o.logger.Warn("Failed to discard staged chunks", "job", j.id, "error", err)
		}
		if err := o.catalog.RecordJob(ctx, rec); err != nil {
			o.logger.Warn("Failed to record job", "job", j.id, "state", jobState, "error", err)
		}
	}()
}

// transitionLocked sets the state and queues an event. Re-entering
// AwaitingChunks is only published when the reason changed.
func (o *Orchestrator) transitionLocked(j *job, to State, reason *Reason) {
	from := j.state
	if err := checkTransition(from, to); err != nil {
		o.logger.Error("Dropped illegal transition", "job", j.id, "from", from, "to", to)
		return
	}
	if from == to && reason.String() == j.reason.String() {
		return
	}
	if from == StateAwaitingChunks && to != StateAwaitingChunks {
		metrics.SynthFullPending.Dec()
	}
	if to == StateAwaitingChunks && from != StateAwaitingChunks {
		metrics.SynthFullPending.Inc()
	}
	j.state = to
	j.reason = reason
	j.updatedAt = o.clock.Now().UTC()
	metrics.SynthFullTransitions.WithLabelValues(string(to)).Inc()
	o.emitLocked(j, from)

	if reason != nil {
		o.logger.Info("Synthetic full state changed", "job", j.id, "from", from, "to", to, "reason", reason.String())
	} else {
		o.logger.Info("Synthetic full state changed", "job", j.id, "from", from, "to", to)
	}
}

func (o *Orchestrator) emitLocked(j *job, from State) {
	ev := events.Event{
		Entity: j.entity,
		Job:    j.id,
		Type:   types.JobSyntheticFull.String(),
		From:   string(from),
		State:  string(j.state),
		Time:   j.updatedAt,
	}
	if r := j.reason; r != nil {
		ev.ReasonClass = string(r.Class)
		ev.Reason = r.Message
		for _, c := range r.Chunks {
			ev.Chunks = append(ev.Chunks, c.String())
		}
		for _, n := range r.Nodes {
			ev.Nodes = append(ev.Nodes, string(n))
		}
	}
	o.outbox = append(o.outbox, ev)
}

// flush publishes queued events in order.
func (o *Orchestrator) flush() {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	pending := o.outbox
	o.outbox = nil
	o.mu.Unlock()

	for _, ev := range pending {
		ctx, cancel := context.WithTimeout(o.ctx, 5*time.Second)
		if err := o.publisher.Publish(ctx, ev); err != nil {
			metrics.EventPublishErrors.Inc()
			o.logger.Warn("Failed to publish job event", "job", ev.Job, "state", ev.State, "error", err)
		}
		cancel()
	}
}

func (o *Orchestrator) catalogJob(j *job, state types.JobState) types.Job {
	rec := types.Job{
		ID:        j.id,
		Entity:    j.entity,
		Type:      types.JobSyntheticFull,
		State:     state,
		StartTime: j.createdAt,
		Chunks:    slices.Clone(j.chunks),
	}
	if state != types.JobRunning {
		rec.EndTime = o.clock.Now().UTC()
	}
	for _, src := range j.sources {
		rec.SourceJobs = append(rec.SourceJobs, src.ID)
	}
	return rec
}

func (j *job) status() Status {
	st := Status{
		ID:        j.id,
		Entity:    j.entity,
		State:     j.state,
		Reason:    j.reason,
		Attempts:  j.retries,
		Chunks:    len(j.chunks),
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
	for _, src := range j.sources {
		st.SourceJobs = append(st.SourceJobs, src.ID)
	}
	for _, s := range j.streams {
		st.Streams = append(st.Streams, StreamStatus{
			Index:  s.index,
			Nodes:  slices.Clone(s.nodes),
			Chunks: len(s.chunks),
			Copied: len(s.copied),
			State:  string(s.state),
			Reason: s.reason,
		})
	}
	return st
}
