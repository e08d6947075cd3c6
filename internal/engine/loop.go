package engine

import (
	"context"
	"errors"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

// Start runs the automatic checkpoint loop until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	ticker := s.clock.Ticker(s.cfg.TickInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.checkpointDue(ctx, false)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("Checkpoint loop started", "interval", s.cfg.TickInterval)
}

// Stop ends the checkpoint loop and takes the shutdown checkpoints the
// policy asks for.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
	s.checkpointDue(ctx, true)
	s.logger.Info("Checkpoint loop stopped")
}

func (s *Service) checkpointDue(ctx context.Context, shutdown bool) {
	s.mu.Lock()
	due := make([]types.EntityID, 0, len(s.trackers))
	for entity, t := range s.trackers {
		if (shutdown && t.ShouldCheckpointOnShutdown()) || (!shutdown && t.Due()) {
			due = append(due, entity)
		}
	}
	s.mu.Unlock()

	for _, entity := range due {
		cp, err := s.Checkpoint(ctx, entity, true)
		switch {
		case err == nil:
			s.logger.Info("Automatic checkpoint committed", "entity", entity, "txn", cp.TransactionID, "shutdown", shutdown)
		case errors.Is(err, types.ErrCheckpointInFlight):
			s.logger.Debug("Checkpoint already in flight", "entity", entity)
		default:
			s.logger.Warn("Automatic checkpoint failed", "entity", entity, "error", err)
		}
	}
}
