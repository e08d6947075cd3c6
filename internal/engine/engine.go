// Package engine wires the index components into one service per process.
// Entities are addressed by ID on every call; the service keeps one Index
// Store and one checkpoint tracker per entity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/syntrixbase/backupindex/internal/browse"
	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/chunk"
	"github.com/syntrixbase/backupindex/internal/events"
	"github.com/syntrixbase/backupindex/internal/index/checkpoint"
	"github.com/syntrixbase/backupindex/internal/index/livelog"
	"github.com/syntrixbase/backupindex/internal/index/playback"
	"github.com/syntrixbase/backupindex/internal/index/store"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/payload"
	"github.com/syntrixbase/backupindex/internal/synthfull"
)

// Config configures a Service.
type Config struct {
	// IndexServer is recorded on entities registered by this process.
	IndexServer string
	LiveLog     livelog.Config
	Checkpoint  checkpoint.Config
	Policy      checkpoint.Policy
	// TickInterval is how often the automatic checkpoint loop runs.
	TickInterval time.Duration
	Locator      chunk.Config
	SynthFull    synthfull.Config
}

// Deps are the external resources a Service runs on. The Service closes
// them in Close.
type Deps struct {
	Stores    store.Opener
	Payloads  payload.Store
	Catalog   catalog.Catalog
	Nodes     chunk.NodeProber
	Chunks    chunk.ChunkProber
	Mover     synthfull.Mover
	Publisher events.Publisher
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Service is the backup index engine.
type Service struct {
	cfg    Config
	deps   Deps
	clock  clock.Clock
	logger *slog.Logger

	writer      *livelog.Writer
	checkpoints *checkpoint.Manager
	playback    *playback.Engine
	locator     *chunk.Locator
	synth       *synthfull.Orchestrator

	mu       sync.Mutex
	stores   map[types.EntityID]store.Store
	trackers map[types.EntityID]*checkpoint.Tracker
	locks    map[types.EntityID]*sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Service. Entities already in the catalog are attached to
// the live log writer.
func New(ctx context.Context, cfg Config, deps Deps) (*Service, error) {
	if deps.Stores == nil || deps.Payloads == nil || deps.Catalog == nil {
		return nil, errors.New("engine: stores, payloads and catalog are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		clock:    deps.Clock,
		logger:   deps.Logger.With("component", "engine"),
		stores:   make(map[types.EntityID]store.Store),
		trackers: make(map[types.EntityID]*checkpoint.Tracker),
		locks:    make(map[types.EntityID]*sync.Mutex),
	}

	w, err := livelog.NewWriter(cfg.LiveLog, s, deps.Clock, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create live log writer: %w", err)
	}
	s.writer = w
	s.checkpoints = checkpoint.NewManager(cfg.Checkpoint, w, s, deps.Payloads, deps.Catalog, deps.Clock, deps.Logger)
	s.playback = playback.NewEngine(deps.Payloads, deps.Catalog, s, deps.Logger)
	s.locator = chunk.NewLocator(cfg.Locator, deps.Catalog, deps.Nodes, deps.Chunks, deps.Logger)
	s.synth = synthfull.New(cfg.SynthFull, deps.Catalog, s.locator, deps.Mover, &consolidator{svc: s},
		deps.Publisher, deps.Clock, deps.Logger)

	entities, err := deps.Catalog.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	for _, e := range entities {
		if err := s.attach(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) attach(e types.Entity) error {
	if err := s.writer.Attach(e.ID, e.LastSealedSeq); err != nil {
		return fmt.Errorf("failed to attach live logs of %s: %w", e.ID, err)
	}
	s.mu.Lock()
	if _, ok := s.trackers[e.ID]; !ok {
		s.trackers[e.ID] = checkpoint.NewTracker(s.cfg.Policy, s.clock)
	}
	s.mu.Unlock()
	return nil
}

// Store implements livelog.StoreResolver. Stores are opened on first use; a
// store created empty is marked stale so the next Find replays it.
func (s *Service) Store(entity types.EntityID) (store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[entity]; ok {
		return st, nil
	}
	existed := s.deps.Stores.Exists(entity)
	st, err := s.deps.Stores.Open(entity)
	if err != nil {
		return nil, err
	}
	if !existed {
		if err := st.SetMeta(store.Meta{Stale: true}); err != nil {
			return nil, multierr.Append(err, st.Close())
		}
	}
	s.stores[entity] = st
	return st, nil
}

func (s *Service) entityLock(entity types.EntityID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[entity]
	if !ok {
		l = &sync.Mutex{}
		s.locks[entity] = l
	}
	return l
}

func (s *Service) tracker(entity types.EntityID) *checkpoint.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackers[entity]
}

// Checkpoints exposes the checkpoint manager.
func (s *Service) Checkpoints() *checkpoint.Manager { return s.checkpoints }

// Locator exposes the chunk locator.
func (s *Service) Locator() *chunk.Locator { return s.locator }

// RegisterEntity creates the entity in the catalog. Registering an existing
// entity returns it unchanged.
func (s *Service) RegisterEntity(ctx context.Context, id types.EntityID, level types.IndexLevel) (types.Entity, error) {
	if id == "" {
		return types.Entity{}, errors.New("entity ID is required")
	}
	e, err := s.deps.Catalog.GetEntity(ctx, id)
	switch {
	case err == nil:
		return e, s.attach(e)
	case !errors.Is(err, types.ErrNotFound):
		return types.Entity{}, err
	}

	if level == "" {
		level = types.IndexLevelEntity
	}
	e = types.Entity{
		ID:          id,
		Level:       level,
		IndexServer: s.cfg.IndexServer,
		CreatedAt:   s.clock.Now().UTC(),
	}
	if err := s.deps.Catalog.PutEntity(ctx, e); err != nil {
		return types.Entity{}, err
	}
	if err := s.attach(e); err != nil {
		return types.Entity{}, err
	}
	s.logger.Info("Registered entity", "entity", id, "level", level)
	return e, nil
}

func (s *Service) entity(ctx context.Context, id types.EntityID) (types.Entity, error) {
	e, err := s.deps.Catalog.GetEntity(ctx, id)
	if err != nil {
		return types.Entity{}, fmt.Errorf("entity %s: %w", id, err)
	}
	return e, nil
}

// RegisterChunks records where chunks are stored.
func (s *Service) RegisterChunks(ctx context.Context, placements ...catalog.Placement) error {
	for _, p := range placements {
		if err := s.deps.Catalog.RegisterChunk(ctx, p); err != nil {
			return fmt.Errorf("failed to register chunk %s: %w", p.Ref, err)
		}
	}
	return nil
}

// IngestJob appends a backup job's index records, seals its segment and
// records the job as completed. Records keep their order; a record without
// Seq gets its position.
func (s *Service) IngestJob(ctx context.Context, job types.Job, records []types.Record) (livelog.SealedSegment, error) {
	if job.ID == "" {
		return livelog.SealedSegment{}, fmt.Errorf("%w: job ID is required", types.ErrInvalidRecord)
	}
	if job.Type == types.JobSyntheticFull {
		return livelog.SealedSegment{}, fmt.Errorf("%w: synthetic fulls are started with StartSyntheticFull", types.ErrInvalidRecord)
	}
	ent, err := s.entity(ctx, job.Entity)
	if err != nil {
		return livelog.SealedSegment{}, err
	}

	now := s.clock.Now().UTC()
	if job.StartTime.IsZero() {
		job.StartTime = now
	}
	job.State = types.JobRunning
	if err := s.deps.Catalog.RecordJob(ctx, job); err != nil {
		return livelog.SealedSegment{}, err
	}

	for i, rec := range records {
		if rec.Seq == 0 {
			rec.Seq = uint64(i + 1)
		}
		if rec.Time.IsZero() {
			rec.Time = now
		}
		if err := s.writer.Append(ctx, ent.ID, job.ID, rec); err != nil {
			return livelog.SealedSegment{}, err
		}
	}
	seg, err := s.writer.Seal(ctx, ent.ID, job.ID)
	if err != nil {
		return livelog.SealedSegment{}, err
	}

	job.State = types.JobCompleted
	if job.EndTime.IsZero() {
		job.EndTime = s.clock.Now().UTC()
	}
	if err := s.deps.Catalog.RecordJob(ctx, job); err != nil {
		return seg, err
	}
	if err := s.noteSealed(ctx, ent.ID, seg.Seq); err != nil {
		return seg, err
	}

	if t := s.tracker(ent.ID); t != nil {
		t.RecordEvents(len(records))
	}
	s.logger.Info("Ingested job", "entity", ent.ID, "job", job.ID, "type", job.Type, "records", len(records), "seq", seg.Seq)
	return seg, nil
}

func (s *Service) noteSealed(ctx context.Context, entity types.EntityID, seq uint64) error {
	ent, err := s.entity(ctx, entity)
	if err != nil {
		return err
	}
	if ent.LastSealedSeq >= seq {
		return nil
	}
	ent.LastSealedSeq = seq
	return s.deps.Catalog.PutEntity(ctx, ent)
}

// Transactions returns the entity's local and committed transaction IDs.
func (s *Service) Transactions(ctx context.Context, entity types.EntityID) (local, committed uint64, err error) {
	return s.checkpoints.Transactions(ctx, entity)
}

// Checkpoint takes and commits a checkpoint of the entity. A stale store is
// replayed first so the checkpoint never captures an outdated view.
func (s *Service) Checkpoint(ctx context.Context, entity types.EntityID, includeLiveLogs bool) (types.Checkpoint, error) {
	if _, err := s.ensureFresh(ctx, entity); err != nil {
		return types.Checkpoint{}, err
	}
	cp, err := s.checkpoints.RequestCheckpoint(ctx, entity, includeLiveLogs)
	if err != nil {
		return cp, err
	}
	if t := s.tracker(entity); t != nil {
		t.MarkCheckpointed()
	}
	return cp, nil
}

// BackupLiveLogs stores sealed segments durably and retries a provisional
// checkpoint.
func (s *Service) BackupLiveLogs(ctx context.Context, entity types.EntityID) (checkpoint.BackupResult, error) {
	if _, err := s.entity(ctx, entity); err != nil {
		return checkpoint.BackupResult{}, err
	}
	return s.checkpoints.BackupLiveLogs(ctx, entity)
}

// DeleteIndex drops the entity's local Index Store and live logs. Sealed
// segments are backed up first when possible. The store is recreated stale on
// next use, so the following Find rebuilds it by playback.
func (s *Service) DeleteIndex(ctx context.Context, entity types.EntityID) error {
	if _, err := s.entity(ctx, entity); err != nil {
		return err
	}
	l := s.entityLock(entity)
	l.Lock()
	defer l.Unlock()

	if _, err := s.checkpoints.BackupLiveLogs(ctx, entity); err != nil {
		s.logger.Warn("Deleting index with live logs not backed up", "entity", entity, "error", err)
	}
	if err := s.dropStore(entity); err != nil {
		return err
	}
	if err := s.writer.Reset(entity); err != nil {
		return fmt.Errorf("failed to drop live logs of %s: %w", entity, err)
	}
	s.logger.Info("Deleted local index", "entity", entity)
	return nil
}

func (s *Service) dropStore(entity types.EntityID) error {
	s.mu.Lock()
	st, ok := s.stores[entity]
	delete(s.stores, entity)
	s.mu.Unlock()

	var err error
	if ok {
		err = st.Close()
	}
	return multierr.Append(err, s.deps.Stores.Destroy(entity))
}

// Rebuild replays the entity's Index Store from durable state as of target,
// or the latest state when target is nil.
func (s *Service) Rebuild(ctx context.Context, entity types.EntityID, target *time.Time) (playback.Result, error) {
	if _, err := s.entity(ctx, entity); err != nil {
		return playback.Result{}, err
	}
	l := s.entityLock(entity)
	l.Lock()
	defer l.Unlock()
	return s.replay(ctx, entity, target)
}

// replay rebuilds the store by playback. A rebuild to the latest state also
// reapplies the records held only in local live logs.
func (s *Service) replay(ctx context.Context, entity types.EntityID, target *time.Time) (playback.Result, error) {
	res, err := s.playback.Rebuild(ctx, entity, target)
	if err != nil || target != nil {
		return res, err
	}
	local, err := s.writer.LocalRecords(entity, res.LastAppliedSeq)
	if err != nil {
		return res, fmt.Errorf("failed to read live logs of %s: %w", entity, err)
	}
	if len(local) == 0 {
		return res, nil
	}
	st, err := s.Store(entity)
	if err != nil {
		return res, err
	}
	if err := st.ApplyAll(local); err != nil {
		return res, fmt.Errorf("failed to reapply live logs of %s: %w", entity, err)
	}
	s.logger.Debug("Reapplied local records", "entity", entity, "records", len(local))
	return res, nil
}

// Find browses the entity's index. A missing or stale local store is
// rebuilt by playback first.
func (s *Service) Find(ctx context.Context, entity types.EntityID, req browse.Request) (browse.Result, error) {
	q, err := browse.Compile(req)
	if err != nil {
		return browse.Result{}, err
	}
	st, err := s.ensureFresh(ctx, entity)
	if err != nil {
		return browse.Result{}, err
	}
	return q.Run(ctx, st)
}

// ensureFresh returns the entity's store, replaying it when it is stale or
// behind the committed transaction.
func (s *Service) ensureFresh(ctx context.Context, entity types.EntityID) (store.Store, error) {
	ent, err := s.entity(ctx, entity)
	if err != nil {
		return nil, err
	}
	l := s.entityLock(entity)
	l.Lock()
	defer l.Unlock()

	st, err := s.Store(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to open index store for %s: %w", entity, err)
	}
	meta, err := st.Meta()
	if err != nil {
		return nil, err
	}
	if !meta.Stale && meta.TransactionID >= ent.CommittedTransaction {
		return st, nil
	}

	s.logger.Info("Index store needs playback",
		"entity", entity, "stale", meta.Stale, "store_txn", meta.TransactionID, "committed", ent.CommittedTransaction)
	if _, err := s.replay(ctx, entity, nil); err != nil {
		return nil, err
	}
	return st, nil
}

// Close stops background work and releases every resource.
func (s *Service) Close(ctx context.Context) error {
	s.Stop(ctx)
	err := s.synth.Close()

	s.mu.Lock()
	stores := s.stores
	s.stores = make(map[types.EntityID]store.Store)
	s.mu.Unlock()
	for entity, st := range stores {
		if cerr := st.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close store %s: %w", entity, cerr))
		}
	}
	return multierr.Combine(
		err,
		s.deps.Publisher.Close(),
		s.deps.Payloads.Close(),
		s.deps.Catalog.Close(ctx),
	)
}
