// Package agentloop drives the per-turn message loop described in spec
// §4.5: build a system prompt from memory and retrieval, call the model,
// dispatch any tool calls it asks for, and repeat until the model produces
// a final answer or a bound is hit. Grounded on the teacher's
// pkg/agent/llmagent Flow (an iter.Seq2 event loop bounded by a step count)
// but rebuilt against this repo's storage-backed conversation history and
// memory/passage managers instead of the teacher's in-process session.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/job"
	"github.com/kadirpekel/agentd/internal/llmclient"
	"github.com/kadirpekel/agentd/internal/memory"
	"github.com/kadirpekel/agentd/internal/passage"
	"github.com/kadirpekel/agentd/internal/storage"
)

// StopReason is why a turn stopped, per spec §4.5.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolError StopReason = "tool_error"
	StopMaxSteps  StopReason = "max_steps"
	StopCancelled StopReason = "cancelled"
	StopLLMError  StopReason = "llm_error"
	StopTimeout   StopReason = "timeout"
)

// ChunkType names one of the streaming output contract's chunk kinds
// (spec §4.5's "Stream" output contract).
type ChunkType string

const (
	ChunkUserMessage     ChunkType = "user_message"
	ChunkReasoning       ChunkType = "reasoning_message"
	ChunkAssistant       ChunkType = "assistant_message"
	ChunkToolCall        ChunkType = "tool_call_message"
	ChunkToolReturn      ChunkType = "tool_return_message"
	ChunkStopReasonEvent ChunkType = "stop_reason"
	ChunkUsageEvent      ChunkType = "usage"
)

// Chunk is one element of a StreamTurn sequence. Exactly the fields
// relevant to Type are populated; the rest are zero.
type Chunk struct {
	Type       ChunkType
	Text       string
	ToolCall   *llmclient.ToolCall
	ToolReturn *ToolReturn
	StopReason StopReason
	Usage      llmclient.Usage
}

// ToolReturn is the result of dispatching one tool call.
type ToolReturn struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// TurnRequest is the input contract for one turn (spec §4.5's "load
// agent/memory/config, append user messages").
type TurnRequest struct {
	AgentID      string
	UserMessages []string
	JobID        string // optional; when set, usage and message association are recorded against it
	Actor        storage.Actor
}

// TurnResult is the non-streaming output of a completed turn.
type TurnResult struct {
	Messages   []storage.Message
	StopReason StopReason
	Usage      llmclient.Usage
	StepCount  int
}

// Embedder is the subset of embedclient.Client the loop needs to turn
// retrieval queries and archival inserts into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Loop owns the dependencies one turn needs and the per-agent serialization
// lock described in spec §5 ("turns execute one at a time per agent;
// default: queue").
type Loop struct {
	db       *storage.DB
	memory   *memory.Manager
	passages *passage.Manager
	embedder Embedder
	llm      *llmclient.Client
	jobs     *job.Manager // optional: nil disables usage/association bookkeeping
	cfg      *config.Config

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func New(db *storage.DB, mem *memory.Manager, passages *passage.Manager, embedder Embedder, llm *llmclient.Client, jobs *job.Manager, cfg *config.Config) *Loop {
	return &Loop{
		db:       db,
		memory:   mem,
		passages: passages,
		embedder: embedder,
		llm:      llm,
		jobs:     jobs,
		cfg:      cfg,
		locks:    make(map[string]chan struct{}),
	}
}

// acquireAgentLock blocks until no other turn is running for agentID, or
// until ctx is done. The bound is the agent's own queue, not a timeout --
// the caller's per-turn deadline (applied by the caller via ctx) is what
// ultimately bounds the wait.
func (l *Loop) acquireAgentLock(ctx context.Context, agentID string) (func(), error) {
	l.locksMu.Lock()
	ch, ok := l.locks[agentID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[agentID] = ch
	}
	l.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, apperrors.Cancelled("agentloop: turn for agent %s cancelled waiting for its turn", agentID)
	}
}

// builtinTools enumerates the four tool schemas the loop itself knows how
// to execute (spec §4.5 step 6). Only these four are advertised to the
// model and dispatched; an agent's attached custom tool_ids are stored but
// neither advertised nor dispatched.
var builtinTools = []llmclient.ToolDefinition{
	{
		Name:        "archival_memory_insert",
		Description: "Insert a new entry into archival memory for later semantic recall.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
	},
	{
		Name:        "archival_memory_search",
		Description: "Search archival memory for entries semantically similar to a query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        "core_memory_replace",
		Description: "Replace the entire value of a core memory block.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{"type": "string"},
				"value": map[string]any{"type": "string"},
			},
			"required": []string{"label", "value"},
		},
	},
	{
		Name:        "core_memory_append",
		Description: "Append a line to the end of a core memory block's value.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{"type": "string"},
				"value": map[string]any{"type": "string"},
			},
			"required": []string{"label", "value"},
		},
	},
}

// pendingMessage is an in-memory, not-yet-persisted message produced
// during a turn. Nothing here becomes visible until the whole turn
// decides how to end (spec §4.5's persistence ordering guarantee).
type pendingMessage struct {
	role       storage.MessageRole
	content    string
	toolCalls  []llmclient.ToolCall
	toolCallID string
}

// RunTurn executes the full synchronous message loop (spec §4.5 steps 1-7).
// Expected stop conditions (end_turn, tool_error, max_steps, cancelled,
// llm_error, timeout) are reported via TurnResult.StopReason, not err; err
// is reserved for unexpected failures such as a storage write failing.
func (l *Loop) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	deadline := l.cfg.PerTurnDeadlineSeconds
	turnCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	release, err := l.acquireAgentLock(turnCtx, req.AgentID)
	if err != nil {
		return TurnResult{StopReason: StopCancelled}, nil
	}
	defer release()

	agent, err := l.db.ReadAgent(turnCtx, req.AgentID, req.Actor, storage.AccessWrite)
	if err != nil {
		return TurnResult{}, err
	}

	userMsgs := make([]storage.Message, 0, len(req.UserMessages))
	for _, text := range req.UserMessages {
		userMsgs = append(userMsgs, storage.Message{AgentID: agent.ID, Role: storage.RoleUser, Content: text})
	}
	persistedUser, err := l.db.CreateMessages(turnCtx, userMsgs, req.Actor)
	if err != nil {
		return TurnResult{}, err
	}
	if req.JobID != "" && l.jobs != nil && len(persistedUser) > 0 {
		ids := make([]string, len(persistedUser))
		for i, m := range persistedUser {
			ids[i] = m.ID
		}
		if err := l.jobs.AddMessagesToJob(turnCtx, req.JobID, ids); err != nil {
			return TurnResult{}, err
		}
	}

	var pending []pendingMessage
	var totalUsage llmclient.Usage
	stepCount := 0
	stopReason := StopMaxSteps

	for stepCount < l.cfg.MaxStepsPerTurn {
		stepCount++

		systemPrompt, err := l.buildSystemPrompt(turnCtx, agent, req.Actor, latestUserText(req.UserMessages))
		if err != nil {
			return TurnResult{}, err
		}

		history, err := l.loadHistory(turnCtx, agent.ID, req.Actor)
		if err != nil {
			return TurnResult{}, err
		}
		messages := append(history, materialize(agent.ID, pending)...)

		resp, err := l.llm.Complete(turnCtx, llmclient.Request{
			SystemPrompt: systemPrompt,
			Messages:     messages,
			Tools:        builtinTools,
		})
		if err != nil {
			if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
				stopReason = StopTimeout
			} else if errors.Is(turnCtx.Err(), context.Canceled) {
				stopReason = StopCancelled
			} else {
				stopReason = StopLLMError
			}
			break
		}
		totalUsage = addUsage(totalUsage, resp.Usage)
		l.recordStep(turnCtx, req.JobID, resp.Usage)

		assistant := pendingMessage{role: storage.RoleAssistant, content: resp.Text}
		if len(resp.ToolCalls) > 0 {
			assistant.toolCalls = resp.ToolCalls
		}
		pending = append(pending, assistant)

		if resp.FinishReason != llmclient.FinishToolCalls || len(resp.ToolCalls) == 0 {
			stopReason = StopEndTurn
			break
		}

		toolErrored := false
		for _, call := range resp.ToolCalls {
			result, isErr := l.dispatchTool(turnCtx, agent, req.Actor, call)
			pending = append(pending, pendingMessage{role: storage.RoleTool, content: result, toolCallID: call.ID})
			if isErr {
				toolErrored = true
			}
		}
		if toolErrored {
			stopReason = StopToolError
			break
		}

		if turnCtx.Err() != nil {
			if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
				stopReason = StopTimeout
			} else {
				stopReason = StopCancelled
			}
			break
		}
	}

	result := TurnResult{StopReason: stopReason, Usage: totalUsage, StepCount: stepCount, Messages: persistedUser}

	// Per the ordering guarantee, a turn either completes fully (persisting
	// everything generated) or fails and leaves at most the user message
	// persisted -- llm_error/cancelled/timeout discard pending messages.
	if stopReason == StopLLMError || stopReason == StopCancelled || stopReason == StopTimeout {
		return result, nil
	}

	toPersist := materialize(agent.ID, pending)
	persisted, err := l.db.CreateMessages(context.WithoutCancel(ctx), toPersist, req.Actor)
	if err != nil {
		return TurnResult{}, err
	}
	if req.JobID != "" && l.jobs != nil && len(persisted) > 0 {
		ids := make([]string, len(persisted))
		for i, m := range persisted {
			ids[i] = m.ID
		}
		if err := l.jobs.AddMessagesToJob(context.WithoutCancel(ctx), req.JobID, ids); err != nil {
			return TurnResult{}, err
		}
	}
	result.Messages = append(result.Messages, persisted...)
	return result, nil
}

func (l *Loop) recordStep(ctx context.Context, jobID string, u llmclient.Usage) {
	if jobID == "" || l.jobs == nil {
		return
	}
	_, _ = l.jobs.AddJobUsage(ctx, storage.Step{
		JobID:            jobID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	})
}

func addUsage(a, b llmclient.Usage) llmclient.Usage {
	return llmclient.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

func latestUserText(msgs []string) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func materialize(agentID string, pending []pendingMessage) []storage.Message {
	out := make([]storage.Message, 0, len(pending))
	for _, p := range pending {
		m := storage.Message{AgentID: agentID, Role: p.role, Content: p.content, ToolCallID: p.toolCallID}
		if len(p.toolCalls) > 0 {
			raw, _ := json.Marshal(p.toolCalls)
			m.ToolCalls = raw
		}
		out = append(out, m)
	}
	return out
}

// loadHistory replays an agent's full persisted conversation, oldest
// first -- the order the model expects turns in (spec §4.5 step 3).
func (l *Loop) loadHistory(ctx context.Context, agentID string, actor storage.Actor) ([]storage.Message, error) {
	return l.db.ListMessagesByAgent(ctx, agentID, actor, storage.Page{Limit: 1000, Ascending: true})
}

// buildSystemPrompt composes the memory-block prompt with retrieved
// context from the agent's own archival store and every attached source
// (spec §4.5 step 4: "for each attached source and the agent's own
// archival store, if the latest user message warrants retrieval").
func (l *Loop) buildSystemPrompt(ctx context.Context, agent storage.Agent, actor storage.Actor, latestUser string) (string, error) {
	prompt, err := l.memory.BuildSystemPrompt(ctx, agent.ID, actor)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(latestUser) == "" {
		return prompt, nil
	}

	topK := agent.TopK
	if topK <= 0 {
		topK = l.cfg.DefaultTopK
	}

	queryEmbedding, err := l.embedder.Embed(ctx, latestUser)
	if err != nil {
		return "", err
	}

	var sections []string
	agentHits, _, err := l.passages.SearchSimilar(ctx, queryEmbedding, topK, 0, passage.Scope{AgentID: agent.ID}, actor)
	if err != nil {
		return "", err
	}
	if section := formatAgentPassages(agentHits); section != "" {
		sections = append(sections, section)
	}

	sourceIDs, err := l.db.ListSourceIDsForAgent(ctx, agent.ID)
	if err != nil {
		return "", err
	}
	for _, sourceID := range sourceIDs {
		_, sourceHits, err := l.passages.SearchSimilar(ctx, queryEmbedding, topK, 0, passage.Scope{SourceID: sourceID}, actor)
		if err != nil {
			return "", err
		}
		if section := formatSourcePassages(sourceID, sourceHits); section != "" {
			sections = append(sections, section)
		}
	}

	if len(sections) == 0 {
		return prompt, nil
	}
	if prompt != "" {
		prompt += "\n\n"
	}
	return prompt + "[retrieved_context]\n" + strings.Join(sections, "\n"), nil
}

func formatAgentPassages(hits []storage.AgentPassage) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, h := range hits {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- " + h.Text)
	}
	return sb.String()
}

func formatSourcePassages(sourceID string, hits []storage.SourcePassage) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, h := range hits {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("- [%s/%s] %s", sourceID, h.FileName, h.Text))
	}
	return sb.String()
}

// dispatchTool executes one builtin tool call, returning its textual
// result (for a tool_result content block) and whether execution failed.
func (l *Loop) dispatchTool(ctx context.Context, agent storage.Agent, actor storage.Actor, call llmclient.ToolCall) (string, bool) {
	switch call.Name {
	case "archival_memory_insert":
		text, ok := call.Args["text"].(string)
		if !ok || text == "" {
			return "error: text is required", true
		}
		embedding, err := l.embedder.Embed(ctx, text)
		if err != nil {
			return "error: " + err.Error(), true
		}
		_, err = l.passages.CreateAgentPassage(ctx, storage.AgentPassage{
			AgentID: agent.ID, Text: text, Embedding: embedding, EmbeddingDim: l.embedder.Dimension(),
		}, actor)
		if err != nil {
			return "error: " + err.Error(), true
		}
		return "inserted into archival memory", false

	case "archival_memory_search":
		query, ok := call.Args["query"].(string)
		if !ok || query == "" {
			return "error: query is required", true
		}
		limit := agent.TopK
		if l, ok := call.Args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}
		if limit <= 0 {
			limit = l.cfg.DefaultTopK
		}
		embedding, err := l.embedder.Embed(ctx, query)
		if err != nil {
			return "error: " + err.Error(), true
		}
		hits, _, err := l.passages.SearchSimilar(ctx, embedding, limit, 0, passage.Scope{AgentID: agent.ID}, actor)
		if err != nil {
			return "error: " + err.Error(), true
		}
		if len(hits) == 0 {
			return "no matching archival memories found", false
		}
		return formatAgentPassages(hits), false

	case "core_memory_replace":
		label, _ := call.Args["label"].(string)
		value, _ := call.Args["value"].(string)
		if label == "" {
			return "error: label is required", true
		}
		if _, err := l.memory.CoreMemoryReplace(ctx, agent.ID, label, value, actor); err != nil {
			return "error: " + err.Error(), true
		}
		return fmt.Sprintf("replaced core memory block %q", label), false

	case "core_memory_append":
		label, _ := call.Args["label"].(string)
		value, _ := call.Args["value"].(string)
		if label == "" {
			return "error: label is required", true
		}
		if _, err := l.memory.CoreMemoryAppend(ctx, agent.ID, label, value, actor); err != nil {
			return "error: " + err.Error(), true
		}
		return fmt.Sprintf("appended to core memory block %q", label), false

	default:
		return fmt.Sprintf("error: unknown tool %q", call.Name), true
	}
}
