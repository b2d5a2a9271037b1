package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/agentd/internal/storage"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	q := r.URL.Query()

	var statuses []storage.JobStatus
	if v := q.Get("status"); v != "" {
		statuses = []storage.JobStatus{storage.JobStatus(v)}
	}
	jobType := storage.JobType(q.Get("type"))
	sourceID := q.Get("source_id")

	jobs, err := s.jobs.ListJobs(r.Context(), actor, pageFromQuery(r), statuses, jobType, sourceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	job, err := s.jobs.ReadJob(r.Context(), chi.URLParam(r, "jobID"), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
