package rest

import (
	"net/http"

	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/synthfull"
)

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.JobStatus(r.Context(), types.JobID(r.PathValue("job")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// jobControl serves pause, resume and kill.
func (h *Handler) jobControl(op func(types.JobID) (synthfull.Status, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := types.JobID(r.PathValue("job"))
		st, err := op(id)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		h.logger.Info("Job control applied", "job", id, "path", r.URL.Path, "state", st.State)
		writeJSON(w, http.StatusOK, st)
	}
}
