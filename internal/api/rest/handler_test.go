package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/backupindex/internal/browse"
	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/engine"
	"github.com/syntrixbase/backupindex/internal/index/checkpoint"
	"github.com/syntrixbase/backupindex/internal/index/livelog"
	"github.com/syntrixbase/backupindex/internal/index/playback"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/synthfull"
)

func setup(t *testing.T) (*MockService, http.Handler) {
	t.Helper()
	svc := new(MockService)
	t.Cleanup(func() { svc.AssertExpectations(t) })
	return svc, NewHandler(svc, nil).Routes()
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &apiErr))
	return apiErr
}

func TestNewHandler_Panic(t *testing.T) {
	assert.Panics(t, func() { NewHandler(nil, nil) })
}

func TestFind(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)

	at := time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC)
	svc.On("Find", mock.Anything, types.EntityID("e1"), mock.MatchedBy(func(req browse.Request) bool {
		return req.Pattern == "/a/*.txt" && req.PointInTime.Equal(at) && req.ShowDeleted &&
			req.Filter == `entry.size > 0` && req.Limit == 10
	})).Return(browse.Result{
		Entries: []types.Entry{{Path: "/a/erase_1_file.txt", Kind: types.KindFile, Deleted: true}},
	}, nil).Once()

	q := "pattern=/a/*.txt&at=2024-05-01T13:30:00Z&deleted=true&limit=10&filter=entry.size+%3E+0"
	rr := serve(h, http.MethodGet, "/v1/entities/e1/find?"+q, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res browse.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "/a/erase_1_file.txt", res.Entries[0].Path)
	assert.True(t, res.Entries[0].Deleted)
	assert.Contains(t, rr.Body.String(), `"kind":"file"`)
}

func TestFind_EmptyResultIsArray(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)
	svc.On("Find", mock.Anything, types.EntityID("e1"), browse.Request{}).Return(browse.Result{}, nil).Once()

	rr := serve(h, http.MethodGet, "/v1/entities/e1/find", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"entries":[]`)
}

func TestFind_InvalidQuery(t *testing.T) {
	t.Parallel()
	_, h := setup(t)

	tests := []struct {
		name  string
		query string
	}{
		{"bad time", "at=yesterday"},
		{"bad limit", "limit=many"},
		{"negative limit", "limit=-1"},
		{"bad bool", "deleted=perhaps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, http.MethodGet, "/v1/entities/e1/find?"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, ErrCodeBadRequest, decodeError(t, rr).Code)
		})
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{types.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{browse.ErrInvalidRequest, http.StatusBadRequest, ErrCodeBadRequest},
		{types.ErrCheckpointInFlight, http.StatusConflict, ErrCodeConflict},
		{types.ErrEntityLocked, http.StatusLocked, ErrCodeLocked},
		{types.ErrStorageFull, http.StatusInsufficientStorage, ErrCodeInsufficient},
		{types.ErrGapInLog, http.StatusUnprocessableEntity, ErrCodeUnprocessable},
		{types.ErrMissingCheckpoint, http.StatusUnprocessableEntity, ErrCodeUnprocessable},
		{types.ErrStorageUnavailable, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{types.ErrDurabilityFailed, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc, h := setup(t)
			svc.On("Find", mock.Anything, types.EntityID("e1"), mock.Anything).
				Return(browse.Result{}, fmt.Errorf("find e1: %w", tt.err)).Once()

			rr := serve(h, http.MethodGet, "/v1/entities/e1/find", "")
			assert.Equal(t, tt.status, rr.Code)
			apiErr := decodeError(t, rr)
			assert.Equal(t, tt.code, apiErr.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "Internal server error", apiErr.Message)
			}
		})
	}
}

func TestRegisterEntity(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)
	svc.On("RegisterEntity", mock.Anything, types.EntityID("e1"), types.IndexLevelParent).
		Return(types.Entity{ID: "e1", Level: types.IndexLevelParent}, nil).Once()

	rr := serve(h, http.MethodPut, "/v1/entities/e1", `{"level":"parent"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"level":"parent"`)

	rr = serve(h, http.MethodPut, "/v1/entities/e1", `{"level":"galaxy"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestJob(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)

	sealed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.On("IngestJob", mock.Anything, mock.MatchedBy(func(job types.Job) bool {
		return job.ID == "incr" && job.Entity == "e1" && job.Type == types.JobIncremental &&
			len(job.Chunks) == 1 && job.Chunks[0].ID == "c3"
	}), []types.Record{
		{Op: types.OpDelete, Path: "/a/erase_1_file.txt", Kind: types.KindFile},
		{Op: types.OpAdd, Path: "/c/new.txt", Kind: types.KindFile, Size: 12},
	}).Return(livelog.SealedSegment{Seq: 2, Job: "incr", SealedAt: sealed, Records: 2}, nil).Once()

	body := `{"id":"incr","type":"incremental","chunks":[{"volume":"v1","id":"c3"}],"records":[
		{"op":"delete","path":"/a/erase_1_file.txt","kind":"file"},
		{"op":"add","path":"/c/new.txt","kind":"file","size":12}]}`
	rr := serve(h, http.MethodPost, "/v1/entities/e1/jobs", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var res IngestJobResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, IngestJobResponse{Job: "incr", Seq: 2, Records: 2, SealedAt: sealed}, res)
}

func TestIngestJob_BadRequests(t *testing.T) {
	t.Parallel()
	_, h := setup(t)

	for _, body := range []string{
		`{"type":"full"}`,
		`{"id":"j"}`,
		`{"id":"j","type":"snapshot"}`,
		`{"id":"j","type":"full","records":[{"op":"rename","path":"/a"}]}`,
		`not json`,
	} {
		rr := serve(h, http.MethodPost, "/v1/entities/e1/jobs", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

func TestIngestJob_Conflict(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)
	svc.On("IngestJob", mock.Anything, mock.Anything, mock.Anything).
		Return(livelog.SealedSegment{}, types.ErrSegmentSealed).Once()

	rr := serve(h, http.MethodPost, "/v1/entities/e1/jobs", `{"id":"full","type":"full"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRegisterChunks(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)
	want := []catalog.Placement{{Ref: types.ChunkRef{Volume: "v1", ID: "c1"}, Node: "ma1", Size: 10}}
	svc.On("RegisterChunks", mock.Anything, want).Return(nil).Once()

	rr := serve(h, http.MethodPost, "/v1/chunks", `[{"ref":{"volume":"v1","id":"c1"},"node":"ma1","size":10}]`)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = serve(h, http.MethodPost, "/v1/chunks", `[{"ref":{"volume":"v1","id":"c1"}}]`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTransactions(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)
	svc.On("Transactions", mock.Anything, types.EntityID("e1")).Return(uint64(3), uint64(2), nil).Once()

	rr := serve(h, http.MethodGet, "/v1/entities/e1/transactions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res TransactionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, TransactionsResponse{Entity: "e1", Local: 3, Committed: 2}, res)
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)
	svc.On("Checkpoint", mock.Anything, types.EntityID("e1"), true).
		Return(types.Checkpoint{ID: "cp", TransactionID: 3, FoldedSegments: []uint64{4}, LastSegmentSeq: 4, Snapshot: []byte("x")}, nil).Once()
	svc.On("Checkpoint", mock.Anything, types.EntityID("e1"), false).
		Return(types.Checkpoint{}, types.ErrCheckpointInFlight).Once()

	rr := serve(h, http.MethodPost, "/v1/entities/e1/checkpoint?livelogs=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res CheckpointResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, uint64(3), res.TransactionID)
	assert.Equal(t, []uint64{4}, res.FoldedSegments)
	assert.NotContains(t, rr.Body.String(), "snapshot")

	rr = serve(h, http.MethodPost, "/v1/entities/e1/checkpoint", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestBackupAndDelete(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)
	svc.On("BackupLiveLogs", mock.Anything, types.EntityID("e1")).
		Return(checkpoint.BackupResult{Segments: 2, Committed: 1}, nil).Once()
	svc.On("DeleteIndex", mock.Anything, types.EntityID("e1")).Return(nil).Once()

	rr := serve(h, http.MethodPost, "/v1/entities/e1/livelogs/backup", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"segments":2,"committed":1}`, rr.Body.String())

	rr = serve(h, http.MethodDelete, "/v1/entities/e1/index", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestRebuild(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)
	at := time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC)
	svc.On("Rebuild", mock.Anything, types.EntityID("e1"), (*time.Time)(nil)).
		Return(playback.Result{TransactionID: 2, Segments: 1, Records: 3, LastAppliedSeq: 3}, nil).Once()
	svc.On("Rebuild", mock.Anything, types.EntityID("e1"), mock.MatchedBy(func(ts *time.Time) bool {
		return ts != nil && ts.Equal(at)
	})).Return(playback.Result{TransactionID: 1}, nil).Once()

	rr := serve(h, http.MethodPost, "/v1/entities/e1/rebuild", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res RebuildResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, RebuildResponse{TransactionID: 2, Segments: 1, Records: 3, LastAppliedSeq: 3}, res)

	rr = serve(h, http.MethodPost, "/v1/entities/e1/rebuild?at=2024-05-01T13:30:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestSyntheticFullLifecycle(t *testing.T) {
	t.Parallel()
	svc, h := setup(t)

	awaiting := synthfull.Status{ID: "sf", Entity: "e1", State: synthfull.StateAwaitingChunks,
		Reason: &synthfull.Reason{Class: synthfull.ReasonChunkMissing, Message: "failed to open chunk c1 for read"}}
	svc.On("StartSyntheticFull", mock.Anything, types.EntityID("e1"), types.JobID("sf"), 2).Return(awaiting, nil).Once()
	svc.On("JobStatus", mock.Anything, types.JobID("sf")).
		Return(engine.JobView{Job: types.Job{ID: "sf", Type: types.JobSyntheticFull}, SynthFull: &awaiting}, nil).Once()
	svc.On("PauseJob", types.JobID("sf")).Return(synthfull.Status{ID: "sf", State: synthfull.StateSuspended}, nil).Once()
	svc.On("ResumeJob", types.JobID("sf")).Return(synthfull.Status{ID: "sf", State: synthfull.StateConsolidating}, nil).Once()
	svc.On("KillJob", types.JobID("sf")).Return(synthfull.Status{}, fmt.Errorf("%w: completed", types.ErrInvalidTransition)).Once()
	svc.On("JobStatus", mock.Anything, types.JobID("nope")).Return(engine.JobView{}, types.ErrJobNotFound).Once()

	rr := serve(h, http.MethodPost, "/v1/entities/e1/synthfull", `{"job":"sf","streams":2}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), string(synthfull.ReasonChunkMissing))

	rr = serve(h, http.MethodGet, "/v1/jobs/sf", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"type":"synthetic_full"`)

	rr = serve(h, http.MethodPost, "/v1/jobs/sf/pause", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), string(synthfull.StateSuspended))

	rr = serve(h, http.MethodPost, "/v1/jobs/sf/resume", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(h, http.MethodPost, "/v1/jobs/sf/kill", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = serve(h, http.MethodGet, "/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(h, http.MethodPost, "/v1/entities/e1/synthfull", `{"streams":-1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	_, h := setup(t)

	rr := serve(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())

	rr = serve(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	_, h := setup(t)
	rr := serve(h, http.MethodGet, "/v1/entities/e1/checkpoint", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRequestTooLarge(t *testing.T) {
	t.Parallel()
	_, h := setup(t)
	body := `{"id":"j","type":"full","records":[` + strings.Repeat(`{"op":"add","path":"/x","kind":"file"},`, DefaultMaxBodySize/30) + `]}`
	rr := serve(h, http.MethodPost, "/v1/entities/e1/jobs", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}
