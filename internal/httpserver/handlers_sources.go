package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/storage"
)

type createSourceRequest struct {
	Name            string          `json:"name"`
	EmbeddingConfig json.RawMessage `json:"embedding_config"`
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())

	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument("invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		writeError(w, apperrors.InvalidArgument("name is required"))
		return
	}

	source, err := s.db.CreateSource(r.Context(), storage.Source{
		Name:            req.Name,
		EmbeddingConfig: req.EmbeddingConfig,
	}, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, source)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	source, err := s.db.ReadSource(r.Context(), chi.URLParam(r, "sourceID"), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if err := s.db.HardDeleteSource(r.Context(), chi.URLParam(r, "sourceID"), actor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadFile accepts one multipart file under the "file" field,
// registers it against the source, runs it through the ingest pipeline
// synchronously, and returns the resulting job (spec's async-ingestion
// contract, with this handler doing the work inline rather than queuing a
// worker — see DESIGN.md for the Open Question resolution).
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	sourceID := chi.URLParam(r, "sourceID")

	if _, err := s.db.ReadSource(r.Context(), sourceID, actor); err != nil {
		writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, apperrors.InvalidArgument("invalid multipart form: %v", err))
		return
	}
	uploaded, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperrors.InvalidArgument("missing file field: %v", err))
		return
	}
	defer uploaded.Close()

	content, err := io.ReadAll(uploaded)
	if err != nil {
		writeError(w, apperrors.Internal(err, "reading uploaded file"))
		return
	}

	file, err := s.db.CreateFile(r.Context(), storage.File{SourceID: sourceID, Name: header.Filename}, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.jobs.CreateJob(r.Context(), storage.Job{
		UserID: actor.ID,
		Type:   storage.JobTypeJob,
		Status: storage.JobStatusRunning,
	}, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	passageCount, ingestErr := s.ingest.IngestFile(r.Context(), sourceID, file, string(content), actor)

	finalStatus := storage.JobStatusCompleted
	if ingestErr != nil {
		finalStatus = storage.JobStatusFailed
	}
	if _, err := s.jobs.SafeUpdateStatus(r.Context(), job.ID, actor, finalStatus); err != nil {
		writeError(w, err)
		return
	}

	if ingestErr != nil {
		writeError(w, fmt.Errorf("ingest file %s: %w", file.ID, ingestErr))
		return
	}

	updatedJob, err := s.jobs.ReadJob(r.Context(), job.ID, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job":           updatedJob,
		"file_id":       file.ID,
		"passage_count": passageCount,
	})
}
