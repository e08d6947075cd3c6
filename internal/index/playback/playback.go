// Package playback rebuilds an entity's Index Store from its newest usable
// committed checkpoint plus the live log segments backed up after it.
// A store rebuilt to a point in time is marked stale.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/index/livelog"
	"github.com/syntrixbase/backupindex/internal/index/store"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/metrics"
	"github.com/syntrixbase/backupindex/internal/payload"
)

// Result describes a completed rebuild.
type Result struct {
	CheckpointID   string
	TransactionID  uint64
	Segments       int
	Records        int
	LastAppliedSeq uint64
}

// Engine rebuilds Index Stores.
type Engine struct {
	payloads payload.Store
	catalog  catalog.Catalog
	stores   livelog.StoreResolver
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(payloads payload.Store, cat catalog.Catalog, stores livelog.StoreResolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		payloads: payloads,
		catalog:  cat,
		stores:   stores,
		logger:   logger.With("component", "playback"),
	}
}

// Rebuild restores the entity's Index Store as of target (latest when nil).
// Everything is fetched before the store is touched, so a failed rebuild
// leaves the store as it was.
func (e *Engine) Rebuild(ctx context.Context, entity types.EntityID, target *time.Time) (Result, error) {
	start := time.Now()
	res, err := e.rebuild(ctx, entity, target)
	metrics.PlaybackDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Playbacks.WithLabelValues("failed").Inc()
		e.logger.Error("playback failed", "entity", entity, "error", err)
		return Result{}, err
	}
	metrics.Playbacks.WithLabelValues("ok").Inc()
	e.logger.Info("playback completed",
		"entity", entity,
		"txn", res.TransactionID,
		"segments", res.Segments,
		"records", res.Records,
		"duration", time.Since(start))
	return res, nil
}

func (e *Engine) rebuild(ctx context.Context, entity types.EntityID, target *time.Time) (Result, error) {
	cp, snap, err := e.loadCheckpoint(ctx, entity, target)
	if err != nil {
		return Result{}, err
	}

	segments, err := e.loadSegments(ctx, entity, cp.LastSegmentSeq, target)
	if err != nil {
		return Result{}, err
	}

	s, err := e.stores.Store(entity)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open index store for %s: %w", entity, err)
	}
	if err := s.Restore(snap); err != nil {
		return Result{}, fmt.Errorf("failed to restore checkpoint %d: %w", cp.TransactionID, err)
	}

	res := Result{
		CheckpointID:   cp.ID,
		TransactionID:  cp.TransactionID,
		LastAppliedSeq: cp.LastSegmentSeq,
	}
	for _, seg := range segments {
		for _, rec := range seg.Records {
			if err := s.Apply(rec); err != nil {
				return Result{}, fmt.Errorf("failed to replay segment %d: %w", seg.Seq, err)
			}
			res.Records++
		}
		res.Segments++
		res.LastAppliedSeq = seg.Seq
	}

	meta := store.Meta{TransactionID: cp.TransactionID, LastAppliedSeq: res.LastAppliedSeq, Stale: target != nil}
	if err := s.SetMeta(meta); err != nil {
		return Result{}, err
	}
	return res, nil
}

// loadCheckpoint fetches the newest committed checkpoint created at or before
// target, falling back to older ones when an artifact cannot be read. An
// entity that never committed a checkpoint starts from an empty store.
func (e *Engine) loadCheckpoint(ctx context.Context, entity types.EntityID, target *time.Time) (types.Checkpoint, *store.Snapshot, error) {
	records, err := e.catalog.ListCheckpoints(ctx, entity)
	if err != nil {
		return types.Checkpoint{}, nil, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	if len(records) == 0 {
		e.logger.Info("no checkpoint committed, replaying from the first segment", "entity", entity)
		return types.Checkpoint{Entity: entity}, &store.Snapshot{}, nil
	}

	var lastErr error
	unavailable := false
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if target != nil && rec.CreatedAt.After(*target) {
			continue
		}

		cp, snap, err := e.fetchCheckpoint(ctx, rec)
		if err == nil {
			return cp, snap, nil
		}
		if ctx.Err() != nil {
			return types.Checkpoint{}, nil, ctx.Err()
		}

		lastErr = err
		if !isLost(err) {
			unavailable = true
		}
		e.logger.Warn("checkpoint unusable, trying an older one",
			"entity", entity, "txn", rec.TransactionID, "error", err)
	}

	if unavailable {
		return types.Checkpoint{}, nil, fmt.Errorf("%w: no checkpoint of %s could be fetched: %v", types.ErrStorageUnavailable, entity, lastErr)
	}
	if lastErr != nil {
		return types.Checkpoint{}, nil, fmt.Errorf("%w: %s: %v", types.ErrMissingCheckpoint, entity, lastErr)
	}
	return types.Checkpoint{}, nil, fmt.Errorf("%w: %s", types.ErrMissingCheckpoint, entity)
}

func (e *Engine) fetchCheckpoint(ctx context.Context, rec catalog.CheckpointRecord) (types.Checkpoint, *store.Snapshot, error) {
	body, err := e.payloads.Get(ctx, rec.Handle)
	if err != nil {
		return types.Checkpoint{}, nil, err
	}
	cp, err := types.DecodeCheckpoint(body)
	if err != nil {
		return types.Checkpoint{}, nil, fmt.Errorf("%w: %v", payload.ErrCorrupt, err)
	}
	if cp.TransactionID != rec.TransactionID {
		return types.Checkpoint{}, nil, fmt.Errorf("%w: artifact holds transaction %d", payload.ErrCorrupt, cp.TransactionID)
	}
	snap, err := store.DecodeSnapshot(cp.Snapshot)
	if err != nil {
		return types.Checkpoint{}, nil, fmt.Errorf("%w: %v", payload.ErrCorrupt, err)
	}
	return cp, snap, nil
}

// loadSegments fetches, in sequence order, every backed-up segment after
// afterSeq sealed at or before target. A missing sequence number is a gap.
func (e *Engine) loadSegments(ctx context.Context, entity types.EntityID, afterSeq uint64, target *time.Time) ([]types.Segment, error) {
	records, err := e.catalog.ListSegments(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}

	var out []types.Segment
	next := afterSeq + 1
	for _, rec := range records {
		if rec.Seq <= afterSeq {
			continue
		}
		if target != nil && rec.SealedAt.After(*target) {
			break
		}
		if rec.Seq != next {
			return nil, fmt.Errorf("%w: %s segment %d missing (next backed up is %d)", types.ErrGapInLog, entity, next, rec.Seq)
		}

		body, err := e.payloads.Get(ctx, rec.Handle)
		if err != nil {
			if isLost(err) {
				return nil, fmt.Errorf("%w: %s segment %d: %v", types.ErrGapInLog, entity, rec.Seq, err)
			}
			return nil, fmt.Errorf("%w: %s segment %d: %v", types.ErrStorageUnavailable, entity, rec.Seq, err)
		}
		seg, err := types.DecodeSegment(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s segment %d: %v", types.ErrGapInLog, entity, rec.Seq, err)
		}
		if seg.Seq != rec.Seq || seg.Entity != entity {
			return nil, fmt.Errorf("%w: %s segment %d holds %s/%d", types.ErrGapInLog, entity, rec.Seq, seg.Entity, seg.Seq)
		}
		out = append(out, seg)
		next++
	}
	return out, nil
}

// isLost reports whether err means the artifact is gone or unreadable, as
// opposed to the store being unreachable.
func isLost(err error) bool {
	return errors.Is(err, payload.ErrNotFound) || errors.Is(err, payload.ErrCorrupt)
}
