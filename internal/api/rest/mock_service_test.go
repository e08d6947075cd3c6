package rest

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/syntrixbase/backupindex/internal/browse"
	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/engine"
	"github.com/syntrixbase/backupindex/internal/index/checkpoint"
	"github.com/syntrixbase/backupindex/internal/index/livelog"
	"github.com/syntrixbase/backupindex/internal/index/playback"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/synthfull"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) RegisterEntity(ctx context.Context, id types.EntityID, level types.IndexLevel) (types.Entity, error) {
	args := m.Called(ctx, id, level)
	return args.Get(0).(types.Entity), args.Error(1)
}

func (m *MockService) RegisterChunks(ctx context.Context, placements ...catalog.Placement) error {
	args := m.Called(ctx, placements)
	return args.Error(0)
}

func (m *MockService) IngestJob(ctx context.Context, job types.Job, records []types.Record) (livelog.SealedSegment, error) {
	args := m.Called(ctx, job, records)
	return args.Get(0).(livelog.SealedSegment), args.Error(1)
}

func (m *MockService) Find(ctx context.Context, entity types.EntityID, req browse.Request) (browse.Result, error) {
	args := m.Called(ctx, entity, req)
	return args.Get(0).(browse.Result), args.Error(1)
}

func (m *MockService) Transactions(ctx context.Context, entity types.EntityID) (uint64, uint64, error) {
	args := m.Called(ctx, entity)
	return args.Get(0).(uint64), args.Get(1).(uint64), args.Error(2)
}

func (m *MockService) Checkpoint(ctx context.Context, entity types.EntityID, includeLiveLogs bool) (types.Checkpoint, error) {
	args := m.Called(ctx, entity, includeLiveLogs)
	return args.Get(0).(types.Checkpoint), args.Error(1)
}

func (m *MockService) BackupLiveLogs(ctx context.Context, entity types.EntityID) (checkpoint.BackupResult, error) {
	args := m.Called(ctx, entity)
	return args.Get(0).(checkpoint.BackupResult), args.Error(1)
}

func (m *MockService) DeleteIndex(ctx context.Context, entity types.EntityID) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockService) Rebuild(ctx context.Context, entity types.EntityID, target *time.Time) (playback.Result, error) {
	args := m.Called(ctx, entity, target)
	return args.Get(0).(playback.Result), args.Error(1)
}

func (m *MockService) StartSyntheticFull(ctx context.Context, entity types.EntityID, job types.JobID, streams int) (synthfull.Status, error) {
	args := m.Called(ctx, entity, job, streams)
	return args.Get(0).(synthfull.Status), args.Error(1)
}

func (m *MockService) JobStatus(ctx context.Context, id types.JobID) (engine.JobView, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(engine.JobView), args.Error(1)
}

func (m *MockService) PauseJob(id types.JobID) (synthfull.Status, error) {
	args := m.Called(id)
	return args.Get(0).(synthfull.Status), args.Error(1)
}

func (m *MockService) ResumeJob(id types.JobID) (synthfull.Status, error) {
	args := m.Called(id)
	return args.Get(0).(synthfull.Status), args.Error(1)
}

func (m *MockService) KillJob(id types.JobID) (synthfull.Status, error) {
	args := m.Called(id)
	return args.Get(0).(synthfull.Status), args.Error(1)
}
