// Package checkpoint implements the Checkpoint Manager: it freezes an
// entity's Index Store and sealed live logs into a transaction-stamped
// checkpoint and tracks which transactions are durably committed.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/index/livelog"
	"github.com/syntrixbase/backupindex/internal/index/store"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/metrics"
	"github.com/syntrixbase/backupindex/internal/payload"
)

// State is the per-entity checkpoint state.
type State string

const (
	StateIdle          State = "idle"
	StateCheckpointing State = "checkpointing"
)

// Config configures a Manager.
type Config struct {
	Retention RetentionPolicy
	// PutAttempts is how many times a durable store is tried per cycle.
	PutAttempts int
	// PutBackoff is the wait before the first retry; it doubles per retry.
	PutBackoff time.Duration
}

// Manager creates and commits checkpoints.
type Manager struct {
	cfg      Config
	writer   *livelog.Writer
	stores   livelog.StoreResolver
	payloads payload.Store
	catalog  catalog.Catalog
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	entities map[types.EntityID]*entityState
}

type entityState struct {
	state State
	// provisional is a checkpoint written locally whose durable store failed.
	provisional *types.Checkpoint
}

// BackupResult reports a live log backup cycle.
type BackupResult struct {
	Segments  int
	Committed uint64
}

// NewManager creates a Manager.
func NewManager(cfg Config, writer *livelog.Writer, stores livelog.StoreResolver, payloads payload.Store, cat catalog.Catalog, clk clock.Clock, logger *slog.Logger) *Manager {
	if cfg.PutAttempts <= 0 {
		cfg.PutAttempts = 3
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		writer:   writer,
		stores:   stores,
		payloads: payloads,
		catalog:  cat,
		clock:    clk,
		logger:   logger.With("component", "checkpoint"),
		entities: make(map[types.EntityID]*entityState),
	}
}

func (m *Manager) begin(entity types.EntityID) (*entityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entities[entity]
	if !ok {
		st = &entityState{state: StateIdle}
		m.entities[entity] = st
	}
	if st.state == StateCheckpointing {
		return nil, fmt.Errorf("%w: %s", types.ErrCheckpointInFlight, entity)
	}
	st.state = StateCheckpointing
	return st, nil
}

func (m *Manager) end(st *entityState) {
	m.mu.Lock()
	st.state = StateIdle
	m.mu.Unlock()
}

// State returns the entity's checkpoint state.
func (m *Manager) State(entity types.EntityID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.entities[entity]; ok {
		return st.state
	}
	return StateIdle
}

// Provisional returns the transaction ID of a checkpoint that was written
// locally but not yet stored durably.
func (m *Manager) Provisional(entity types.EntityID) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.entities[entity]; ok && st.provisional != nil {
		return st.provisional.TransactionID, true
	}
	return 0, false
}

// Transactions reports the entity's local and committed transaction IDs.
func (m *Manager) Transactions(ctx context.Context, entity types.EntityID) (local, committed uint64, err error) {
	e, err := m.catalog.GetEntity(ctx, entity)
	if err != nil {
		return 0, 0, err
	}
	return e.LocalTransaction, e.CommittedTransaction, nil
}

// RequestCheckpoint freezes the entity into a new checkpoint stamped
// committed+1 and stores it durably. If the durable store fails the
// checkpoint stays provisional, the committed transaction is unchanged and
// ErrDurabilityFailed is returned.
func (m *Manager) RequestCheckpoint(ctx context.Context, entity types.EntityID, includeLiveLogs bool) (types.Checkpoint, error) {
	st, err := m.begin(entity)
	if err != nil {
		return types.Checkpoint{}, err
	}
	defer m.end(st)

	ent, err := m.catalog.GetEntity(ctx, entity)
	if err != nil {
		return types.Checkpoint{}, err
	}

	// Copy-on-write: only the sealed segments present now are folded in.
	unlock, err := m.writer.Lock(ctx, entity)
	if err != nil {
		return types.Checkpoint{}, err
	}
	sealed := m.writer.Sealed(entity)
	lastSeq := m.writer.LastSealedSeq(entity)
	s, err := m.stores.Store(entity)
	if err != nil {
		unlock()
		return types.Checkpoint{}, fmt.Errorf("failed to open index store for %s: %w", entity, err)
	}
	snap, err := s.Snapshot()
	unlock()
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("failed to snapshot index store for %s: %w", entity, err)
	}

	txn := ent.CommittedTransaction + 1
	if st.provisional != nil {
		m.logger.Info("discarding stale provisional checkpoint",
			"entity", entity, "txn", st.provisional.TransactionID, "checkpoint", st.provisional.ID)
		st.provisional = nil
	}

	var folded []uint64
	if includeLiveLogs {
		for _, seg := range sealed {
			if !seg.BackedUp {
				if err := m.backupSegment(ctx, entity, seg); err != nil {
					return types.Checkpoint{}, err
				}
			}
			folded = append(folded, seg.Seq)
		}
	}

	snap.Meta = store.Meta{TransactionID: txn, LastAppliedSeq: lastSeq}
	data, err := snap.Encode()
	if err != nil {
		return types.Checkpoint{}, err
	}
	cp := types.Checkpoint{
		ID:             uuid.NewString(),
		Entity:         entity,
		TransactionID:  txn,
		CreatedAt:      m.clock.Now().UTC(),
		FoldedSegments: folded,
		LastSegmentSeq: lastSeq,
		Snapshot:       data,
	}

	if ent.LocalTransaction < txn {
		ent.LocalTransaction = txn
	}
	if ent.LastSealedSeq < lastSeq {
		ent.LastSealedSeq = lastSeq
	}
	if err := m.catalog.PutEntity(ctx, ent); err != nil {
		return types.Checkpoint{}, err
	}
	st.provisional = &cp

	if err := m.commit(ctx, st, s, cp); err != nil {
		return cp, err
	}
	return cp, nil
}

// BackupLiveLogs stores every sealed segment not yet backed up, in sequence
// order, and retries a provisional checkpoint. It can raise the committed
// transaction without creating a new checkpoint.
func (m *Manager) BackupLiveLogs(ctx context.Context, entity types.EntityID) (BackupResult, error) {
	st, err := m.begin(entity)
	if err != nil {
		return BackupResult{}, err
	}
	defer m.end(st)

	var res BackupResult
	for _, seg := range m.writer.Sealed(entity) {
		if seg.BackedUp {
			continue
		}
		if err := m.backupSegment(ctx, entity, seg); err != nil {
			return res, err
		}
		res.Segments++
	}

	if st.provisional != nil {
		s, err := m.stores.Store(entity)
		if err != nil {
			return res, fmt.Errorf("failed to open index store for %s: %w", entity, err)
		}
		if err := m.commit(ctx, st, s, *st.provisional); err != nil {
			return res, err
		}
	}

	_, committed, err := m.Transactions(ctx, entity)
	if err != nil {
		return res, err
	}
	res.Committed = committed
	return res, nil
}

func (m *Manager) backupSegment(ctx context.Context, entity types.EntityID, seg livelog.SealedSegment) error {
	full, err := m.writer.Segment(entity, seg.Seq)
	if err != nil {
		return fmt.Errorf("failed to load segment %d of %s: %w", seg.Seq, entity, err)
	}
	body, err := types.EncodeSegment(full)
	if err != nil {
		return err
	}
	h, err := m.put(ctx, payload.Artifact{
		Kind:   payload.KindSegment,
		Entity: entity,
		Name:   fmt.Sprintf("%020d", seg.Seq),
		Body:   body,
	})
	if err != nil {
		metrics.DurabilityFailures.WithLabelValues(string(payload.KindSegment)).Inc()
		return fmt.Errorf("%w: segment %d of %s: %v", types.ErrDurabilityFailed, seg.Seq, entity, err)
	}
	err = m.catalog.RecordSegment(ctx, catalog.SegmentRecord{
		Entity:   entity,
		Seq:      seg.Seq,
		Job:      seg.Job,
		SealedAt: seg.SealedAt,
		Records:  seg.Records,
		Handle:   h,
	})
	if err != nil {
		return fmt.Errorf("%w: segment %d of %s: %v", types.ErrDurabilityFailed, seg.Seq, entity, err)
	}
	m.writer.MarkBackedUp(entity, seg.Seq, h)
	metrics.SegmentsBackedUp.Inc()
	m.logger.Debug("segment backed up", "entity", entity, "seq", seg.Seq, "handle", h)
	return nil
}

// commit stores cp durably, records it and raises the committed transaction.
func (m *Manager) commit(ctx context.Context, st *entityState, s store.Store, cp types.Checkpoint) error {
	body, err := types.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	h, err := m.put(ctx, payload.Artifact{
		Kind:   payload.KindCheckpoint,
		Entity: cp.Entity,
		Name:   strconv.FormatUint(cp.TransactionID, 10) + "-" + cp.ID,
		Body:   body,
	})
	if err != nil {
		metrics.DurabilityFailures.WithLabelValues(string(payload.KindCheckpoint)).Inc()
		m.logger.Warn("checkpoint kept provisional", "entity", cp.Entity, "txn", cp.TransactionID, "error", err)
		return fmt.Errorf("%w: checkpoint %d of %s: %v", types.ErrDurabilityFailed, cp.TransactionID, cp.Entity, err)
	}

	err = m.catalog.RecordCheckpoint(ctx, catalog.CheckpointRecord{
		ID:             cp.ID,
		Entity:         cp.Entity,
		TransactionID:  cp.TransactionID,
		CreatedAt:      cp.CreatedAt,
		LastSegmentSeq: cp.LastSegmentSeq,
		FoldedSegments: cp.FoldedSegments,
		Handle:         h,
	})
	if err != nil {
		return fmt.Errorf("%w: checkpoint %d of %s: %v", types.ErrDurabilityFailed, cp.TransactionID, cp.Entity, err)
	}

	ent, err := m.catalog.GetEntity(ctx, cp.Entity)
	if err != nil {
		return err
	}
	if ent.CommittedTransaction < cp.TransactionID {
		ent.CommittedTransaction = cp.TransactionID
	}
	if ent.LocalTransaction < ent.CommittedTransaction {
		ent.LocalTransaction = ent.CommittedTransaction
	}
	if err := m.catalog.PutEntity(ctx, ent); err != nil {
		return err
	}
	st.provisional = nil
	metrics.CheckpointsCommitted.Inc()
	m.logger.Info("checkpoint committed", "entity", cp.Entity, "txn", cp.TransactionID, "folded", len(cp.FoldedSegments))

	meta, err := s.Meta()
	if err == nil {
		if meta.TransactionID < cp.TransactionID {
			meta.TransactionID = cp.TransactionID
		}
		if meta.LastAppliedSeq < cp.LastSegmentSeq {
			meta.LastAppliedSeq = cp.LastSegmentSeq
		}
		err = s.SetMeta(meta)
	}
	if err != nil {
		m.logger.Warn("failed to update index store meta", "entity", cp.Entity, "error", err)
	}

	if _, err := m.writer.Release(cp.Entity, cp.LastSegmentSeq); err != nil {
		m.logger.Warn("failed to release live logs", "entity", cp.Entity, "error", err)
	}
	m.compact(ctx, s, cp.Entity)
	return nil
}

func (m *Manager) compact(ctx context.Context, s store.Store, entity types.EntityID) {
	if !m.cfg.Retention.Enabled() {
		return
	}
	cps, err := m.catalog.ListCheckpoints(ctx, entity)
	if err != nil {
		m.logger.Warn("failed to list checkpoints for compaction", "entity", entity, "error", err)
		return
	}
	cutoff, ok := m.cfg.Retention.Cutoff(m.clock.Now(), cps)
	if !ok {
		return
	}
	n, err := s.Compact(cutoff)
	if err != nil {
		m.logger.Warn("tombstone compaction failed", "entity", entity, "error", err)
		return
	}
	if n > 0 {
		metrics.TombstonesCompacted.Add(float64(n))
		m.logger.Info("tombstones compacted", "entity", entity, "versions", n, "cutoff", cutoff)
	}
}

// put stores an artifact, retrying with doubling backoff.
func (m *Manager) put(ctx context.Context, a payload.Artifact) (payload.Handle, error) {
	backoff := m.cfg.PutBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.PutAttempts; attempt++ {
		h, err := m.payloads.Put(ctx, a)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt < m.cfg.PutAttempts && backoff > 0 {
			select {
			case <-m.clock.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}
	}
	return "", lastErr
}
