// Package rest is the operator HTTP API of the index server.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syntrixbase/backupindex/internal/browse"
	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/engine"
	"github.com/syntrixbase/backupindex/internal/index/checkpoint"
	"github.com/syntrixbase/backupindex/internal/index/livelog"
	"github.com/syntrixbase/backupindex/internal/index/playback"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/synthfull"
)

// Service is the part of engine.Service the API drives.
type Service interface {
	RegisterEntity(ctx context.Context, id types.EntityID, level types.IndexLevel) (types.Entity, error)
	RegisterChunks(ctx context.Context, placements ...catalog.Placement) error
	IngestJob(ctx context.Context, job types.Job, records []types.Record) (livelog.SealedSegment, error)

	Find(ctx context.Context, entity types.EntityID, req browse.Request) (browse.Result, error)
	Transactions(ctx context.Context, entity types.EntityID) (local, committed uint64, err error)
	Checkpoint(ctx context.Context, entity types.EntityID, includeLiveLogs bool) (types.Checkpoint, error)
	BackupLiveLogs(ctx context.Context, entity types.EntityID) (checkpoint.BackupResult, error)
	DeleteIndex(ctx context.Context, entity types.EntityID) error
	Rebuild(ctx context.Context, entity types.EntityID, target *time.Time) (playback.Result, error)

	StartSyntheticFull(ctx context.Context, entity types.EntityID, job types.JobID, streams int) (synthfull.Status, error)
	JobStatus(ctx context.Context, id types.JobID) (engine.JobView, error)
	PauseJob(id types.JobID) (synthfull.Status, error)
	ResumeJob(id types.JobID) (synthfull.Status, error)
	KillJob(id types.JobID) (synthfull.Status, error)
}

// Default limits.
const (
	DefaultMaxBodySize    = 8 << 20
	DefaultRequestTimeout = 30 * time.Second
	// LongRequestTimeout covers playback and checkpoint uploads.
	LongRequestTimeout = 5 * time.Minute
)

// APIError represents a structured error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeLocked          = "LOCKED"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeInsufficient    = "INSUFFICIENT_STORAGE"
	ErrCodeUnprocessable   = "UNPROCESSABLE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRequestTooLarge = "REQUEST_TOO_LARGE"
)

// Handler serves the API.
type Handler struct {
	svc     Service
	logger  *slog.Logger
	decoder *schema.Decoder
}

// NewHandler creates a Handler.
func NewHandler(svc Service, logger *slog.Logger) *Handler {
	if svc == nil {
		panic("rest: service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	decoder.RegisterConverter(time.Time{}, convertTime)
	return &Handler{
		svc:     svc,
		logger:  logger.With("component", "api"),
		decoder: decoder,
	}
}

// convertTime accepts RFC 3339 timestamps. An invalid value makes the
// decoder report a conversion error.
func convertTime(s string) reflect.Value {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return reflect.Value{}
	}
	return reflect.ValueOf(t)
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	short := func(f http.HandlerFunc) http.Handler {
		return withTimeout(maxBodySize(f, DefaultMaxBodySize), DefaultRequestTimeout)
	}
	long := func(f http.HandlerFunc) http.Handler {
		return withTimeout(maxBodySize(f, DefaultMaxBodySize), LongRequestTimeout)
	}

	mux.Handle("PUT /v1/entities/{entity}", short(h.handleRegisterEntity))
	mux.Handle("POST /v1/entities/{entity}/jobs", long(h.handleIngestJob))
	mux.Handle("GET /v1/entities/{entity}/find", long(h.handleFind))
	mux.Handle("GET /v1/entities/{entity}/transactions", short(h.handleTransactions))
	mux.Handle("POST /v1/entities/{entity}/checkpoint", long(h.handleCheckpoint))
	mux.Handle("POST /v1/entities/{entity}/livelogs/backup", long(h.handleBackupLiveLogs))
	mux.Handle("DELETE /v1/entities/{entity}/index", long(h.handleDeleteIndex))
	mux.Handle("POST /v1/entities/{entity}/rebuild", long(h.handleRebuild))
	mux.Handle("POST /v1/entities/{entity}/synthfull", short(h.handleStartSyntheticFull))
	mux.Handle("POST /v1/chunks", short(h.handleRegisterChunks))

	mux.Handle("GET /v1/jobs/{job}", short(h.handleJobStatus))
	mux.Handle("POST /v1/jobs/{job}/pause", short(h.jobControl(h.svc.PauseJob)))
	mux.Handle("POST /v1/jobs/{job}/resume", short(h.jobControl(h.svc.ResumeJob)))
	mux.Handle("POST /v1/jobs/{job}/kill", short(h.jobControl(h.svc.KillJob)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// writeError writes a structured JSON error response
func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message}); err != nil {
		slog.Warn("Failed to encode error response", "error", err)
	}
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, ErrCodeInternalError
	switch {
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrJobNotFound):
		status, code = http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, types.ErrInvalidRecord), errors.Is(err, browse.ErrInvalidRequest):
		status, code = http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, types.ErrCheckpointInFlight),
		errors.Is(err, types.ErrSegmentSealed),
		errors.Is(err, types.ErrSequenceConflict):
		status, code = http.StatusConflict, ErrCodeConflict
	case errors.Is(err, types.ErrEntityLocked):
		status, code = http.StatusLocked, ErrCodeLocked
	case errors.Is(err, types.ErrStorageFull):
		status, code = http.StatusInsufficientStorage, ErrCodeInsufficient
	case errors.Is(err, types.ErrMissingCheckpoint), errors.Is(err, types.ErrGapInLog):
		status, code = http.StatusUnprocessableEntity, ErrCodeUnprocessable
	case types.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, ErrCodeUnavailable
	}

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
		if status == http.StatusServiceUnavailable {
			level = slog.LevelWarn
		}
	}
	h.logger.Log(r.Context(), level, "Request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	writeError(w, status, code, msg)
}

// decodeBody decodes a JSON request body. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge, "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeQuery decodes URL query parameters into v with the schema decoder.
func (h *Handler) decodeQuery(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := h.decoder.Decode(v, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid query parameters: "+err.Error())
		return false
	}
	return true
}

// maxBodySize wraps a handler with request body size limiting
func maxBodySize(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// withTimeout wraps a handler with a context timeout
func withTimeout(next http.HandlerFunc, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

func entityID(r *http.Request) types.EntityID {
	return types.EntityID(r.PathValue("entity"))
}
