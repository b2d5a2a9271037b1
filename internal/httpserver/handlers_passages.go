package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListAgentPassages(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	size, err := s.passages.AgentPassageSize(r.Context(), agentID, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "count": size})
}

func (s *Server) handleListSourcePassages(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	sourceID := chi.URLParam(r, "sourceID")

	size, err := s.passages.SourcePassageSize(r.Context(), sourceID, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source_id": sourceID, "count": size})
}
