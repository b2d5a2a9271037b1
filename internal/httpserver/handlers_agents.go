package httpserver

import (
	"bufio"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/agentd/internal/agentloop"
	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/storage"
)

type createAgentRequest struct {
	Name             string          `json:"name"`
	LLMConfig        json.RawMessage `json:"llm_config"`
	EmbeddingConfig  json.RawMessage `json:"embedding_config"`
	ToolIDs          []string        `json:"tool_ids"`
	SourceIDs        []string        `json:"source_ids"`
	TopK             int             `json:"top_k"`
	MemoryBlockOrder []string        `json:"memory_block_order"`
	MemoryBlocks     []memoryBlockIn `json:"memory_blocks"`
}

type memoryBlockIn struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func agentResponse(a storage.Agent) map[string]any {
	return map[string]any{
		"id":                 a.ID,
		"name":               a.Name,
		"llm_config":         a.LLMConfig,
		"embedding_config":   a.EmbeddingConfig,
		"tool_ids":           a.ToolIDs,
		"source_ids":         a.SourceIDs,
		"top_k":              a.TopK,
		"memory_block_order": a.MemoryBlockOrder,
		"created_at":         a.CreatedAt,
		"updated_at":         a.UpdatedAt,
	}
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())

	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument("invalid request body: %v", err))
		return
	}

	agent, err := s.db.CreateAgent(r.Context(), storage.Agent{
		Name:             req.Name,
		LLMConfig:        req.LLMConfig,
		EmbeddingConfig:  req.EmbeddingConfig,
		ToolIDs:          req.ToolIDs,
		SourceIDs:        req.SourceIDs,
		TopK:             req.TopK,
		MemoryBlockOrder: req.MemoryBlockOrder,
	}, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	for _, b := range req.MemoryBlocks {
		if _, err := s.mem.CreateBlock(r.Context(), agent.ID, b.Label, b.Value, actor); err != nil {
			writeError(w, err)
			return
		}
	}

	for _, sourceID := range req.SourceIDs {
		if err := s.db.AttachSourceToAgent(r.Context(), sourceID, agent.ID); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, agentResponse(agent))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	agent, err := s.db.ReadAgent(r.Context(), agentID, actor, storage.AccessRead)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentResponse(agent))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	page := pageFromQuery(r)
	messages, err := s.db.ListMessagesByAgent(r.Context(), agentID, actor, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type sendMessageRequest struct {
	Messages []string `json:"messages"`
	JobID    string   `json:"job_id"`
}

func (s *Server) handleSendMessageSync(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument("invalid request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, apperrors.InvalidArgument("messages must not be empty"))
		return
	}

	result, err := s.loop.RunTurn(r.Context(), agentloop.TurnRequest{
		AgentID:      agentID,
		UserMessages: req.Messages,
		JobID:        req.JobID,
		Actor:        actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages":    result.Messages,
		"stop_reason": result.StopReason,
		"usage":       result.Usage,
		"step_count":  result.StepCount,
	})
}

// handleSendMessageStream streams a turn as server-sent events, one JSON
// object per agentloop.Chunk, following the SSE idiom the teacher's
// pkg/transport/rest_gateway.go uses for its streaming proxy.
func (s *Server) handleSendMessageStream(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument("invalid request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, apperrors.InvalidArgument("messages must not be empty"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal(nil, "streaming unsupported by response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	for chunk, err := range s.loop.StreamTurn(r.Context(), agentloop.TurnRequest{
		AgentID:      agentID,
		UserMessages: req.Messages,
		JobID:        req.JobID,
		Actor:        actor,
	}) {
		if err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			_, _ = bw.WriteString("event: error\ndata: ")
			_, _ = bw.Write(payload)
			_, _ = bw.WriteString("\n\n")
			_ = bw.Flush()
			flusher.Flush()
			return
		}
		payload, _ := json.Marshal(chunk)
		_, _ = bw.WriteString("data: ")
		_, _ = bw.Write(payload)
		_, _ = bw.WriteString("\n\n")
		_ = bw.Flush()
		flusher.Flush()
	}
}

type patchMemoryRequest struct {
	Value  string `json:"value"`
	Append bool   `json:"append"`
}

func (s *Server) handlePatchMemory(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")
	label := chi.URLParam(r, "label")

	var req patchMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidArgument("invalid request body: %v", err))
		return
	}

	var block storage.MemoryBlock
	var err error
	if req.Append {
		block, err = s.mem.CoreMemoryAppend(r.Context(), agentID, label, req.Value, actor)
	} else {
		block, err = s.mem.CoreMemoryReplace(r.Context(), agentID, label, req.Value, actor)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}
