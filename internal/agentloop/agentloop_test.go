package agentloop

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/llmclient"
	"github.com/kadirpekel/agentd/internal/memory"
	"github.com/kadirpekel/agentd/internal/passage"
	"github.com/kadirpekel/agentd/internal/storage"
	"github.com/kadirpekel/agentd/internal/vectorstore"
)

// stubEmbedder returns a fixed, deterministic vector regardless of input --
// good enough to exercise the archival memory round-trip without a real
// embeddings endpoint.
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) Dimension() int { return 3 }

func newTestLoop(t *testing.T, maxSteps int, handler http.HandlerFunc) (*Loop, storage.Actor, storage.Agent) {
	t.Helper()
	storageCfg := &config.Config{DBPoolSize: 2, DBPoolTimeout: 5 * time.Second, DBPoolRecycle: time.Hour}
	db, err := storage.OpenMemoryForTest(context.Background(), storageCfg, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vector, err := vectorstore.NewChromemProvider(vectorstore.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vector.Close() })

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		LLMAPIBase:             server.URL,
		LLMAPIKey:              "test-key",
		MaxStepsPerTurn:        maxSteps,
		PerTurnDeadlineSeconds: 10 * time.Second, // exceeds llmclient's 2s+3s retry backoff, so an upstream error surfaces as llm_error, not timeout
		DefaultTopK:            3,
	}

	mem := memory.New(db)
	passages := passage.New(db, vector)
	llm := llmclient.New(cfg, llmclient.WithModel("claude-test"))
	loop := New(db, mem, passages, stubEmbedder{}, llm, nil, cfg)

	actor := storage.Actor{ID: "user-1", OrgID: "org-1"}
	agent, err := db.CreateAgent(context.Background(), storage.Agent{Name: "assistant"}, actor)
	require.NoError(t, err)

	return loop, actor, agent
}

func jsonCompleteResponse(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, body)
}

func TestRunTurn_MaxStepsStopsAfterExactlyOneCall(t *testing.T) {
	var calls int32
	loop, actor, agent := newTestLoop(t, 1, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		jsonCompleteResponse(w, `{
			"content": [{"type":"tool_use","id":"call-1","name":"archival_memory_insert","input":{"text":"hello"}}],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`)
	})

	result, err := loop.RunTurn(context.Background(), TurnRequest{
		AgentID:      agent.ID,
		UserMessages: []string{"remember hello"},
		Actor:        actor,
	})
	require.NoError(t, err)
	require.Equal(t, StopMaxSteps, result.StopReason)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRunTurn_CoreMemoryAppendPersistsAndEndsTurn(t *testing.T) {
	var calls int32
	loop, actor, agent := newTestLoop(t, 8, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			jsonCompleteResponse(w, `{
				"content": [{"type":"tool_use","id":"call-1","name":"core_memory_append","input":{"label":"user_facts","value":"favorite color: green"}}],
				"stop_reason": "tool_use",
				"usage": {"input_tokens": 5, "output_tokens": 2}
			}`)
			return
		}
		jsonCompleteResponse(w, `{
			"content": [{"type":"text","text":"Got it, I'll remember that."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`)
	})

	_, err := loop.memory.CreateBlock(context.Background(), agent.ID, "user_facts", "", actor)
	require.NoError(t, err)

	result, err := loop.RunTurn(context.Background(), TurnRequest{
		AgentID:      agent.ID,
		UserMessages: []string{"remember that my favorite color is green"},
		Actor:        actor,
	})
	require.NoError(t, err)
	require.Equal(t, StopEndTurn, result.StopReason)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))

	block, err := loop.memory.ListBlocks(context.Background(), agent.ID, actor)
	require.NoError(t, err)
	require.Len(t, block, 1)
	require.Contains(t, block[0].Value, "green")
}

func TestRunTurn_LLMErrorLeavesOnlyUserMessagePersisted(t *testing.T) {
	loop, actor, agent := newTestLoop(t, 8, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	})

	result, err := loop.RunTurn(context.Background(), TurnRequest{
		AgentID:      agent.ID,
		UserMessages: []string{"hi"},
		Actor:        actor,
	})
	require.NoError(t, err)
	require.Equal(t, StopLLMError, result.StopReason)

	history, err := loop.db.ListMessagesByAgent(context.Background(), agent.ID, actor, storage.Page{Limit: 100, Ascending: true})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, storage.RoleUser, history[0].Role)
}

func TestStreamTurn_EmitsUserThenAssistantThenStopReason(t *testing.T) {
	loop, actor, agent := newTestLoop(t, 8, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		events := []string{
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi there"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		}
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", e)
			if flusher != nil {
				flusher.Flush()
			}
		}
	})

	var types []ChunkType
	for chunk, err := range loop.StreamTurn(context.Background(), TurnRequest{
		AgentID:      agent.ID,
		UserMessages: []string{"hello"},
		Actor:        actor,
	}) {
		require.NoError(t, err)
		types = append(types, chunk.Type)
	}

	require.Equal(t, []ChunkType{ChunkUserMessage, ChunkAssistant, ChunkStopReasonEvent, ChunkUsageEvent}, types)
}
