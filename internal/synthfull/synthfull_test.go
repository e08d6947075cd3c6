package synthfull

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/chunk"
	"github.com/syntrixbase/backupindex/internal/events"
	"github.com/syntrixbase/backupindex/internal/index/types"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeProbes struct {
	mu      sync.Mutex
	down    map[types.NodeID]bool
	missing map[types.ChunkRef]bool
}

func (f *fakeProbes) ProbeNode(_ context.Context, node types.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[node] {
		return fmt.Errorf("%w: %s", types.ErrNodeUnreachable, node)
	}
	return nil
}

func (f *fakeProbes) ProbeChunk(_ context.Context, p catalog.Placement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[p.Ref] {
		return fmt.Errorf("%w: %s", types.ErrChunkMissing, p.Ref)
	}
	return nil
}

func (f *fakeProbes) setDown(node types.NodeID, down bool) {
	f.mu.Lock()
	f.down[node] = down
	f.mu.Unlock()
}

func (f *fakeProbes) setMissing(ref types.ChunkRef, missing bool) {
	f.mu.Lock()
	f.missing[ref] = missing
	f.mu.Unlock()
}

type fakeMover struct {
	mu        sync.Mutex
	copied    map[types.JobID][]types.ChunkRef
	corrupt   map[types.ChunkRef]bool
	discarded []types.JobID
}

func (m *fakeMover) CopyChunk(ctx context.Context, job types.JobID, p catalog.Placement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrupt[p.Ref] {
		return fmt.Errorf("%w: %s", types.ErrChunkCorrupt, p.Ref)
	}
	m.copied[job] = append(m.copied[job], p.Ref)
	return nil
}

func (m *fakeMover) Discard(_ context.Context, job types.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = append(m.discarded, job)
	delete(m.copied, job)
	return nil
}

func (m *fakeMover) copiedBy(job types.JobID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.copied[job])
}

type fakeSink struct {
	mu         sync.Mutex
	jobs       []types.Job
	prepareErr error
	err        error
}

func (s *fakeSink) Prepare(_ context.Context, job *types.Job) (func(context.Context) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepareErr != nil {
		return nil, s.prepareErr
	}
	job.SourceTransactions = []uint64{1, 2}
	job.BasisTransaction = 2
	prepared := *job
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		s.jobs = append(s.jobs, prepared)
		return nil
	}, nil
}

func (s *fakeSink) committed() []types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Job(nil), s.jobs...)
}

type harness struct {
	clock    *clock.Mock
	catalog  *catalog.MemoryCatalog
	probes   *fakeProbes
	locator  *chunk.Locator
	mover    *fakeMover
	sink     *fakeSink
	recorder *events.Recorder
	orch     *Orchestrator
}

func ref(id string) types.ChunkRef { return types.ChunkRef{Volume: "vol1", ID: id} }

// newHarness seeds entity e1 with a full on nodes A and B and an incremental
// on node B. Chunk c2 is shared by both jobs.
func newHarness(t *testing.T, retry RetryPolicy) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewMock(),
		catalog:  catalog.NewMemoryCatalog(),
		probes:   &fakeProbes{down: map[types.NodeID]bool{}, missing: map[types.ChunkRef]bool{}},
		mover:    &fakeMover{copied: map[types.JobID][]types.ChunkRef{}, corrupt: map[types.ChunkRef]bool{}},
		sink:     &fakeSink{},
		recorder: events.NewRecorder(),
	}
	h.clock.Set(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	placements := map[string]types.NodeID{"c1": "node-a", "c2": "node-a", "c3": "node-b", "c4": "node-b"}
	for id, node := range placements {
		require.NoError(t, h.catalog.RegisterChunk(ctx, catalog.Placement{Ref: ref(id), Node: node, Size: 4}))
	}
	require.NoError(t, h.catalog.RecordJob(ctx, types.Job{
		ID: "full", Entity: "e1", Type: types.JobFull, State: types.JobCompleted,
		StartTime: t0.Add(-3 * time.Hour), EndTime: t0.Add(-2 * time.Hour),
		Chunks: []types.ChunkRef{ref("c1"), ref("c2"), ref("c3")},
	}))
	require.NoError(t, h.catalog.RecordJob(ctx, types.Job{
		ID: "incr", Entity: "e1", Type: types.JobIncremental, State: types.JobCompleted,
		StartTime: t0.Add(-90 * time.Minute), EndTime: t0.Add(-time.Hour),
		Chunks: []types.ChunkRef{ref("c2"), ref("c4")},
	}))

	h.locator = chunk.NewLocator(chunk.Config{}, h.catalog, h.probes, h.probes, logger)
	h.orch = New(Config{Streams: 2, Retry: retry}, h.catalog, h.locator, h.mover, h.sink, h.recorder, h.clock, logger)
	t.Cleanup(func() { _ = h.orch.Close() })
	return h
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Interval: time.Minute, MaxInterval: 4 * time.Minute, Multiplier: 2, MaxAttempts: 10}
}

func (h *harness) wait(t *testing.T, id types.JobID) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.orch.Wait(ctx, id)
	require.NoError(t, err)
	return st
}

func (h *harness) eventually(t *testing.T, id types.JobID, fn func(Status) bool) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = h.orch.Status(id)
		return err == nil && fn(st)
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	assert.True(t, CanTransition(StatePlanning, StateAwaitingChunks))
	assert.True(t, CanTransition(StateAwaitingChunks, StateAwaitingChunks))
	assert.True(t, CanTransition(StateSuspended, StateConsolidating))
	assert.True(t, CanTransition(StateConsolidating, StateCompleted))
	assert.False(t, CanTransition(StateAwaitingChunks, StateCompleted))
	assert.False(t, CanTransition(StateCompleted, StateKilled))
	assert.False(t, CanTransition(StateKilled, StateAwaitingChunks))
	assert.False(t, CanTransition(StatePlanning, StateSuspended))
	for _, s := range []State{StateCompleted, StateFailed, StateKilled} {
		assert.True(t, s.Terminal())
	}
	assert.ErrorIs(t, checkTransition(StateFailed, StateConsolidating), types.ErrInvalidTransition)
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Interval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	d := p.next(0)
	assert.Equal(t, time.Second, d)
	d = p.next(d)
	assert.Equal(t, 2*time.Second, d)
	d = p.next(p.next(d))
	assert.Equal(t, 5*time.Second, d)
}

func TestMergeReasonsNodeDominates(t *testing.T) {
	t.Parallel()
	r := mergeReasons([]*Reason{
		{Class: ReasonChunkMissing, Chunks: []types.ChunkRef{ref("c9")}},
		nil,
		{Class: ReasonNodeUnreachable, Chunks: []types.ChunkRef{ref("c3"), ref("c3")}, Nodes: []types.NodeID{"node-b"}},
	})
	require.NotNil(t, r)
	assert.Equal(t, ReasonNodeUnreachable, r.Class)
	assert.Equal(t, []types.ChunkRef{ref("c3"), ref("c9")}, r.Chunks)
	assert.Equal(t, []types.NodeID{"node-b"}, r.Nodes)
	assert.Contains(t, r.Message, "node-b")
	assert.Nil(t, mergeReasons(nil))
}

func TestPlanSplitsByNode(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())
	_, chunks, streams, err := h.orch.plan(context.Background(), Request{Entity: "e1", Streams: 4})
	require.NoError(t, err)

	assert.Equal(t, []types.ChunkRef{ref("c1"), ref("c2"), ref("c3"), ref("c4")}, chunks)
	require.Len(t, streams, 2, "no more streams than nodes")
	assert.Equal(t, []types.NodeID{"node-a"}, streams[0].nodes)
	assert.Equal(t, []types.ChunkRef{ref("c1"), ref("c2")}, streams[0].chunks)
	assert.Equal(t, []types.NodeID{"node-b"}, streams[1].nodes)
	assert.Equal(t, []types.ChunkRef{ref("c3"), ref("c4")}, streams[1].chunks)

	_, _, single, err := h.orch.plan(context.Background(), Request{Entity: "e1", Streams: 1})
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Len(t, single[0].chunks, 4)
}

func TestCompletesWhenChunksAvailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())

	st, err := h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1"})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"full", "incr"}, st.SourceJobs)
	assert.Equal(t, 4, st.Chunks)

	st = h.wait(t, "sf1")
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 4, h.mover.copiedBy("sf1"))
	assert.Equal(t, 0, h.locator.HeldBy("sf1"))

	committed := h.sink.committed()
	require.Len(t, committed, 1)
	assert.Equal(t, []types.JobID{"full", "incr"}, committed[0].SourceJobs)

	rec, err := h.catalog.GetJob(context.Background(), "sf1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, rec.State)
	assert.Equal(t, types.JobSyntheticFull, rec.Type)
	assert.Len(t, rec.Chunks, 4)
	assert.Equal(t, []uint64{1, 2}, rec.SourceTransactions)
	assert.Equal(t, uint64(2), rec.BasisTransaction)

	assert.Equal(t, []string{"planning", "consolidating", "completed"}, h.recorder.States("sf1"))
}

func TestMissingChunkWaitsUntilResumed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())
	h.probes.setMissing(ref("c3"), true)

	st, err := h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1", Streams: 1})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingChunks, st.State)
	require.NotNil(t, st.Reason)
	assert.Equal(t, ReasonChunkMissing, st.Reason.Class)
	assert.Equal(t, []types.ChunkRef{ref("c3")}, st.Reason.Chunks)
	assert.Contains(t, st.Reason.Message, "vol1/c3")

	st, err = h.orch.Pause("sf1")
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, st.State)

	// Timers are stopped while suspended.
	h.probes.setMissing(ref("c3"), false)
	h.clock.Add(time.Hour)
	st, err = h.orch.Status("sf1")
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, st.State)
	assert.Empty(t, h.sink.committed())

	_, err = h.orch.Resume("sf1")
	require.NoError(t, err)
	st = h.wait(t, "sf1")
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 4, st.Chunks, "plan is unchanged by resume")
	assert.Equal(t, []string{"planning", "awaiting_chunks", "suspended", "consolidating", "completed"}, h.recorder.States("sf1"))
}

func TestUnreachableNodeBlocksOnlyItsStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())
	h.probes.setDown("node-b", true)

	st, err := h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingChunks, st.State)
	require.NotNil(t, st.Reason)
	assert.Equal(t, ReasonNodeUnreachable, st.Reason.Class)
	assert.Equal(t, []types.NodeID{"node-b"}, st.Reason.Nodes)
	assert.Contains(t, st.Reason.Message, "media agent node-b is not reachable")

	// The node-a stream finishes; the barrier holds the commit.
	h.eventually(t, "sf1", func(st Status) bool { return st.Streams[0].State == string(streamDone) })
	assert.Equal(t, 2, h.mover.copiedBy("sf1"))
	assert.Empty(t, h.sink.committed())

	ev, ok := h.recorder.WaitFor(context.Background(), func(ev events.Event) bool {
		return ev.Job == "sf1" && ev.State == string(StateAwaitingChunks)
	})
	require.True(t, ok)
	assert.Equal(t, string(ReasonNodeUnreachable), ev.ReasonClass)
	assert.Equal(t, []string{"node-b"}, ev.Nodes)

	h.probes.setDown("node-b", false)
	h.clock.Add(time.Minute)

	st = h.wait(t, "sf1")
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 4, h.mover.copiedBy("sf1"))
	require.Len(t, h.sink.committed(), 1)
}

func TestRetryExhaustionFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, RetryPolicy{Interval: time.Minute, MaxInterval: time.Minute, Multiplier: 1, MaxAttempts: 2})
	h.probes.setDown("node-a", true)
	h.probes.setDown("node-b", true)

	st, err := h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1"})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Attempts)

	h.eventually(t, "sf1", func(st Status) bool {
		if st.State.Terminal() {
			return true
		}
		h.clock.Add(time.Minute)
		return false
	})

	st = h.wait(t, "sf1")
	assert.Equal(t, StateFailed, st.State)
	require.NotNil(t, st.Reason)
	assert.Equal(t, ReasonNodeUnreachable, st.Reason.Class)
	assert.Contains(t, st.Reason.Message, "gave up after 2 retries")
	assert.Empty(t, h.sink.committed())
	assert.Contains(t, h.mover.discarded, types.JobID("sf1"))

	rec, err := h.catalog.GetJob(context.Background(), "sf1")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, rec.State)
}

func TestKillDiscardsAndNeverCommits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())
	h.probes.setDown("node-b", true)

	_, err := h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1"})
	require.NoError(t, err)
	h.eventually(t, "sf1", func(st Status) bool { return st.Streams[0].State == string(streamDone) })

	st, err := h.orch.Kill("sf1")
	require.NoError(t, err)
	assert.Equal(t, StateKilled, st.State)

	st = h.wait(t, "sf1")
	assert.Equal(t, StateKilled, st.State)
	assert.Equal(t, 0, h.locator.HeldBy("sf1"))
	assert.Contains(t, h.mover.discarded, types.JobID("sf1"))
	assert.Equal(t, 0, h.mover.copiedBy("sf1"))

	h.probes.setDown("node-b", false)
	h.clock.Add(time.Hour)
	assert.Empty(t, h.sink.committed())

	rec, err := h.catalog.GetJob(context.Background(), "sf1")
	require.NoError(t, err)
	assert.Equal(t, types.JobKilled, rec.State)

	_, err = h.orch.Resume("sf1")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	_, err = h.orch.Kill("sf1")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestCorruptChunkFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())
	h.mover.corrupt[ref("c4")] = true

	_, err := h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1"})
	require.NoError(t, err)

	st := h.wait(t, "sf1")
	assert.Equal(t, StateFailed, st.State)
	require.NotNil(t, st.Reason)
	assert.Equal(t, ReasonChunkCorrupt, st.Reason.Class)
	assert.Equal(t, []types.ChunkRef{ref("c4")}, st.Reason.Chunks)
	assert.Empty(t, h.sink.committed())
}

func TestCommitFailureFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())
	h.sink.err = fmt.Errorf("index store: %w", types.ErrStorageFull)

	_, err := h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1"})
	require.NoError(t, err)

	st := h.wait(t, "sf1")
	assert.Equal(t, StateFailed, st.State)
	require.NotNil(t, st.Reason)
	assert.Equal(t, ReasonFinalizeFailed, st.Reason.Class)
	assert.Empty(t, h.sink.committed())

	job, err := h.catalog.GetJob(context.Background(), "sf1")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.State, "the completed record is replaced when the commit fails")
}

func TestPrepareFailureFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())
	h.sink.prepareErr = fmt.Errorf("read source segment: %w", types.ErrGapInLog)

	_, err := h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1"})
	require.NoError(t, err)

	st := h.wait(t, "sf1")
	assert.Equal(t, StateFailed, st.State)
	require.NotNil(t, st.Reason)
	assert.Equal(t, ReasonFinalizeFailed, st.Reason.Class)
	assert.Empty(t, h.sink.committed())

	job, err := h.catalog.GetJob(context.Background(), "sf1")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.State)
}

func TestSubmitWithoutSources(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())

	st, err := h.orch.Submit(context.Background(), Request{Entity: "other", Job: "sf1"})
	require.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, ReasonNoSources, st.Reason.Class)

	_, err = h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1"})
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "job IDs are unique")
}

func TestInvalidOperations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetry())

	_, err := h.orch.Pause("nope")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	_, err = h.orch.Status("nope")
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	_, err = h.orch.Submit(context.Background(), Request{Entity: "e1", Job: "sf1"})
	require.NoError(t, err)
	h.wait(t, "sf1")

	_, err = h.orch.Pause("sf1")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	_, err = h.orch.Resume("sf1")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	list := h.orch.List("e1")
	require.Len(t, list, 1)
	assert.Equal(t, types.JobID("sf1"), list[0].ID)
	assert.Empty(t, h.orch.List("other"))
}
