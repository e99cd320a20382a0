package web

import (
	"net/http"

	"github.com/darthnorse/dockmon/internal/batch"
)

// handleStartBatch accepts a batch job and returns its initial snapshot.
// Item and job progress stream over the UI socket.
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Batch.Start(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListBatch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Batch.List())
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Batch.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
