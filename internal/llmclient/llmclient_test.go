package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/storage"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg := &config.Config{LLMAPIBase: server.URL, LLMAPIKey: "test-key"}
	return New(cfg, WithModel("claude-test"))
}

func TestComplete_ParsesTextResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		_ = json.NewEncoder(w).Encode(apiResponse{
			Content:    []apiContent{{Type: "text", Text: "hello there"}},
			StopReason: "end_turn",
			Usage:      apiUsage{InputTokens: 10, OutputTokens: 3},
		})
	})

	resp, err := client.Complete(context.Background(), Request{
		SystemPrompt: "be helpful",
		Messages:     []storage.Message{{Role: storage.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello there", resp.Text)
	require.Equal(t, 13, resp.Usage.TotalTokens)
	require.Equal(t, FinishStop, resp.FinishReason)
}

func TestComplete_ParsesToolCall(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apiResponse{
			Content: []apiContent{
				{Type: "tool_use", ID: "call-1", Name: "core_memory_append", Input: map[string]any{"label": "user_facts", "value": "x"}},
			},
			StopReason: "tool_use",
		})
	})

	resp, err := client.Complete(context.Background(), Request{
		Messages: []storage.Message{{Role: storage.RoleUser, Content: "remember x"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "core_memory_append", resp.ToolCalls[0].Name)
	require.Equal(t, FinishToolCalls, resp.FinishReason)
}

func TestComplete_SurfacesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	})

	_, err := client.Complete(context.Background(), Request{Messages: []storage.Message{{Role: storage.RoleUser, Content: "hi"}}})
	require.Error(t, err)
}

func TestStream_YieldsTextDeltasThenFinal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		events := []string{
			`{"type":"message_start","usage":{"input_tokens":5}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
			if flusher != nil {
				flusher.Flush()
			}
		}
	})

	var texts []string
	var final *Response
	for ev, err := range client.Stream(context.Background(), Request{Messages: []storage.Message{{Role: storage.RoleUser, Content: "hi"}}}) {
		require.NoError(t, err)
		if ev.Final {
			final = ev.Response
			break
		}
		texts = append(texts, ev.Text)
	}

	require.Equal(t, []string{"Hel", "lo"}, texts)
	require.NotNil(t, final)
	require.Equal(t, "Hello", final.Text)
	require.Equal(t, 7, final.Usage.TotalTokens)
}

func TestStream_YieldsToolCall(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call-1","name":"archival_memory_search"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"color\"}"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
	})

	var gotCall *ToolCall
	for ev, err := range client.Stream(context.Background(), Request{Messages: []storage.Message{{Role: storage.RoleUser, Content: "hi"}}}) {
		require.NoError(t, err)
		if ev.ToolCall != nil {
			gotCall = ev.ToolCall
		}
		if ev.Final {
			break
		}
	}

	require.NotNil(t, gotCall)
	require.Equal(t, "archival_memory_search", gotCall.Name)
	require.Equal(t, "color", gotCall.Args["query"])
}
