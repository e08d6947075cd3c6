package rest

import (
	"net/http"
	"time"

	"github.com/syntrixbase/backupindex/internal/browse"
	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/index/types"
)

// RegisterEntityRequest is the body of PUT /v1/entities/{entity}.
type RegisterEntityRequest struct {
	Level types.IndexLevel `json:"level"`
}

// IngestJobRequest is the body of POST /v1/entities/{entity}/jobs.
type IngestJobRequest struct {
	ID      types.JobID      `json:"id"`
	Type    types.JobType    `json:"type"`
	Chunks  []types.ChunkRef `json:"chunks"`
	Records []types.Record   `json:"records"`
}

// IngestJobResponse describes the sealed segment of an ingested job.
type IngestJobResponse struct {
	Job      types.JobID `json:"job"`
	Seq      uint64      `json:"seq"`
	Records  int         `json:"records"`
	SealedAt time.Time   `json:"sealedAt"`
}

// FindQuery are the query parameters of GET /v1/entities/{entity}/find.
type FindQuery struct {
	Pattern string    `schema:"pattern"`
	At      time.Time `schema:"at"`
	Deleted bool      `schema:"deleted"`
	Filter  string    `schema:"filter"`
	Limit   int       `schema:"limit"`
}

// TransactionsResponse reports an entity's transaction IDs.
type TransactionsResponse struct {
	Entity    types.EntityID `json:"entity"`
	Local     uint64         `json:"local"`
	Committed uint64         `json:"committed"`
}

// CheckpointQuery are the query parameters of POST .../checkpoint.
type CheckpointQuery struct {
	LiveLogs bool `schema:"livelogs"`
}

// CheckpointResponse describes a committed checkpoint.
type CheckpointResponse struct {
	ID             string    `json:"id"`
	TransactionID  uint64    `json:"transactionId"`
	CreatedAt      time.Time `json:"createdAt"`
	FoldedSegments []uint64  `json:"foldedSegments"`
	LastSegmentSeq uint64    `json:"lastSegmentSeq"`
}

// BackupResponse reports a live log backup cycle.
type BackupResponse struct {
	Segments  int    `json:"segments"`
	Committed uint64 `json:"committed"`
}

// RebuildQuery are the query parameters of POST .../rebuild.
type RebuildQuery struct {
	At time.Time `schema:"at"`
}

// RebuildResponse describes a completed playback.
type RebuildResponse struct {
	CheckpointID   string `json:"checkpointId"`
	TransactionID  uint64 `json:"transactionId"`
	Segments       int    `json:"segments"`
	Records        int    `json:"records"`
	LastAppliedSeq uint64 `json:"lastAppliedSeq"`
}

// SyntheticFullRequest is the body of POST .../synthfull.
type SyntheticFullRequest struct {
	Job     types.JobID `json:"job"`
	Streams int         `json:"streams"`
}

func (h *Handler) handleRegisterEntity(w http.ResponseWriter, r *http.Request) {
	var req RegisterEntityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Level {
	case "", types.IndexLevelEntity, types.IndexLevelParent:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Unknown index level")
		return
	}
	ent, err := h.svc.RegisterEntity(r.Context(), entityID(r), req.Level)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (h *Handler) handleIngestJob(w http.ResponseWriter, r *http.Request) {
	var req IngestJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.Type == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Job id and type are required")
		return
	}
	job := types.Job{ID: req.ID, Entity: entityID(r), Type: req.Type, Chunks: req.Chunks}
	seg, err := h.svc.IngestJob(r.Context(), job, req.Records)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, IngestJobResponse{
		Job:      seg.Job,
		Seq:      seg.Seq,
		Records:  seg.Records,
		SealedAt: seg.SealedAt,
	})
}

func (h *Handler) handleRegisterChunks(w http.ResponseWriter, r *http.Request) {
	var placements []catalog.Placement
	if !decodeBody(w, r, &placements) {
		return
	}
	for _, p := range placements {
		if p.Ref.ID == "" || p.Node == "" {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Chunk ref and node are required")
			return
		}
	}
	if err := h.svc.RegisterChunks(r.Context(), placements...); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFind(w http.ResponseWriter, r *http.Request) {
	var q FindQuery
	if !h.decodeQuery(w, r, &q) {
		return
	}
	if q.Limit < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Limit must not be negative")
		return
	}
	res, err := h.svc.Find(r.Context(), entityID(r), browse.Request{
		Pattern:     q.Pattern,
		PointInTime: q.At,
		ShowDeleted: q.Deleted,
		Filter:      q.Filter,
		Limit:       q.Limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if res.Entries == nil {
		res.Entries = []types.Entry{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	entity := entityID(r)
	local, committed, err := h.svc.Transactions(r.Context(), entity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{Entity: entity, Local: local, Committed: committed})
}

func (h *Handler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var q CheckpointQuery
	if !h.decodeQuery(w, r, &q) {
		return
	}
	cp, err := h.svc.Checkpoint(r.Context(), entityID(r), q.LiveLogs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckpointResponse{
		ID:             cp.ID,
		TransactionID:  cp.TransactionID,
		CreatedAt:      cp.CreatedAt,
		FoldedSegments: cp.FoldedSegments,
		LastSegmentSeq: cp.LastSegmentSeq,
	})
}

func (h *Handler) handleBackupLiveLogs(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.BackupLiveLogs(r.Context(), entityID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BackupResponse{Segments: res.Segments, Committed: res.Committed})
}

func (h *Handler) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteIndex(r.Context(), entityID(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var q RebuildQuery
	if !h.decodeQuery(w, r, &q) {
		return
	}
	var target *time.Time
	if !q.At.IsZero() {
		target = &q.At
	}
	res, err := h.svc.Rebuild(r.Context(), entityID(r), target)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RebuildResponse{
		CheckpointID:   res.CheckpointID,
		TransactionID:  res.TransactionID,
		Segments:       res.Segments,
		Records:        res.Records,
		LastAppliedSeq: res.LastAppliedSeq,
	})
}

func (h *Handler) handleStartSyntheticFull(w http.ResponseWriter, r *http.Request) {
	var req SyntheticFullRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Streams < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Streams must not be negative")
		return
	}
	st, err := h.svc.StartSyntheticFull(r.Context(), entityID(r), req.Job, req.Streams)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}
