// Package llmclient is an HTTP-native, provider-agnostic LLM client used
// by the agent loop. Modeled on the teacher's pkg/model/anthropic client:
// net/http + bufio.Scanner SSE parsing, no vendor SDK, iter.Seq2 streaming
// (spec §1 explicitly scopes out "specific LLM provider SDKs").
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/httpclient"
	"github.com/kadirpekel/agentd/internal/storage"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

// ToolDefinition describes one tool the model may call, in JSON-Schema
// shape (spec §4.5 step 5's "tool_schemas").
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a single function invocation the model asked for. Tagged for
// JSON since this is also the shape persisted into storage.Message's
// ToolCalls column and surfaced in the HTTP API's tool_call_message chunk.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Usage carries token accounting for one LLM call (one storage.Step).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// FinishReason is why generation stopped, independent of the agent loop's
// higher-level stop_reason (spec §4.5's "end_turn"/"max_steps"/etc. are
// derived from this plus the loop's own bookkeeping).
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Request is one turn's input to the model.
type Request struct {
	SystemPrompt string
	Messages     []storage.Message
	Tools        []ToolDefinition
}

// Response is a complete (non-streaming) or final aggregated (streaming)
// model output.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason FinishReason
}

// StreamEvent is one chunk of a streaming response. Exactly one of Text or
// ToolCall is set on a non-final event; Final is true only on the last
// event, which carries the complete Response.
type StreamEvent struct {
	Text     string
	ToolCall *ToolCall
	Final    bool
	Response *Response
}

// Client talks to an Anthropic-Messages-API-shaped endpoint over HTTP.
// LLM_API_BASE lets callers point it at any compatible gateway.
type Client struct {
	http      *httpclient.Client
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
}

// Option configures a Client.
type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

func New(cfg *config.Config, opts ...Option) *Client {
	baseURL := cfg.LLMAPIBase
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: defaultTimeout}),
			httpclient.WithRetryStrategy(httpclient.FixedStrategy(httpclient.ConservativeRetry)),
		),
		baseURL:   baseURL,
		apiKey:    cfg.LLMAPIKey,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type apiContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
	Stream    bool         `json:"stream"`
	Tools     []apiTool    `json:"tools,omitempty"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiResponse struct {
	Content    []apiContent `json:"content"`
	StopReason string       `json:"stop_reason"`
	Usage      apiUsage     `json:"usage"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// buildRequest translates storage.Messages (role-tagged, append-only) into
// the provider's content-block shape. Tool-role messages become
// tool_result blocks addressed by ToolCallID; assistant messages that
// carried tool calls re-emit them as tool_use blocks so a resumed
// multi-step turn round-trips correctly.
func (c *Client) buildRequest(req Request, stream bool) apiRequest {
	out := apiRequest{
		Model:     c.model,
		System:    req.SystemPrompt,
		MaxTokens: c.maxTokens,
		Stream:    stream,
	}
	for _, m := range req.Messages {
		switch m.Role {
		case storage.RoleSystem:
			if out.System == "" {
				out.System = m.Content
			} else {
				out.System += "\n\n" + m.Content
			}
		case storage.RoleUser:
			out.Messages = append(out.Messages, apiMessage{
				Role:    "user",
				Content: []apiContent{{Type: "text", Text: m.Content}},
			})
		case storage.RoleTool:
			out.Messages = append(out.Messages, apiMessage{
				Role: "user",
				Content: []apiContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case storage.RoleAssistant:
			contents := []apiContent{}
			if m.Content != "" {
				contents = append(contents, apiContent{Type: "text", Text: m.Content})
			}
			if len(m.ToolCalls) > 0 {
				var calls []ToolCall
				if err := json.Unmarshal(m.ToolCalls, &calls); err == nil {
					for _, tc := range calls {
						args := tc.Args
						if args == nil {
							args = map[string]any{}
						}
						contents = append(contents, apiContent{
							Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: args,
						})
					}
				}
			}
			out.Messages = append(out.Messages, apiMessage{Role: "assistant", Content: contents})
		}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, apiTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

// Complete performs one non-streaming call (spec §4.5 step 5's synchronous
// invocation path).
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	apiReq := c.buildRequest(req, false)
	body, err := json.Marshal(apiReq)
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: build request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("llmclient: api error (status %d): %s", resp.StatusCode, string(raw))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return Response{}, fmt.Errorf("llmclient: decode response: %w", err)
	}
	if apiResp.Error != nil {
		return Response{}, fmt.Errorf("llmclient: api error: %s", apiResp.Error.Message)
	}

	return parseResponse(apiResp), nil
}

func parseResponse(apiResp apiResponse) Response {
	var out Response
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	out.Usage = Usage{
		PromptTokens:     apiResp.Usage.InputTokens,
		CompletionTokens: apiResp.Usage.OutputTokens,
		TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
	}
	switch apiResp.StopReason {
	case "tool_use":
		out.FinishReason = FinishToolCalls
	case "max_tokens":
		out.FinishReason = FinishLength
	default:
		out.FinishReason = FinishStop
	}
	return out
}

type sseDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type sseContentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type sseEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Delta        *sseDelta        `json:"delta,omitempty"`
	ContentBlock *sseContentBlock `json:"content_block,omitempty"`
	Usage        *apiUsage        `json:"usage,omitempty"`
}

// Stream performs a streaming call, yielding token/tool-call deltas and a
// final event carrying the fully aggregated Response — the shape the
// agent loop persists to storage (spec §4.5 step 7, §5's generator model).
// Cancelling ctx stops the sequence at its next suspension point.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		apiReq := c.buildRequest(req, true)
		body, err := json.Marshal(apiReq)
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("llmclient: marshal request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("llmclient: build request: %w", err))
			return
		}
		c.setHeaders(httpReq)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("llmclient: request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			yield(StreamEvent{}, fmt.Errorf("llmclient: api error (status %d): %s", resp.StatusCode, string(raw)))
			return
		}

		var (
			text            strings.Builder
			toolCalls       = map[int]*ToolCall{}
			toolJSONBuffers = map[int]string{}
			finishReason    = FinishStop
			usage           Usage
		)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Text()
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var ev sseEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					toolCalls[ev.Index] = &ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
					toolJSONBuffers[ev.Index] = ""
				}
			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				if ev.Delta.Text != "" {
					text.WriteString(ev.Delta.Text)
					if !yield(StreamEvent{Text: ev.Delta.Text}, nil) {
						return
					}
				}
				if ev.Delta.Type == "input_json_delta" && ev.Delta.PartialJSON != "" {
					toolJSONBuffers[ev.Index] += ev.Delta.PartialJSON
				}
			case "content_block_stop":
				if tc, ok := toolCalls[ev.Index]; ok {
					if raw := toolJSONBuffers[ev.Index]; raw != "" {
						var args map[string]any
						if err := json.Unmarshal([]byte(raw), &args); err == nil {
							tc.Args = args
						}
					}
					if tc.Args == nil {
						tc.Args = map[string]any{}
					}
					if !yield(StreamEvent{ToolCall: tc}, nil) {
						return
					}
				}
			case "message_delta":
				if ev.Delta != nil {
					switch ev.Delta.StopReason {
					case "tool_use":
						finishReason = FinishToolCalls
					case "max_tokens":
						finishReason = FinishLength
					}
				}
				if ev.Usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
					usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				}
			case "message_start":
				if ev.Usage != nil {
					usage.PromptTokens = ev.Usage.InputTokens
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(StreamEvent{}, fmt.Errorf("llmclient: stream read error: %w", err))
			return
		}

		final := Response{Text: text.String(), Usage: usage, FinishReason: finishReason}
		// toolCalls is keyed by content-block index; map iteration order is
		// unspecified, so sort the keys to keep model-emitted order across
		// a multi-tool-call assistant message.
		indices := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			final.ToolCalls = append(final.ToolCalls, *toolCalls[idx])
		}
		yield(StreamEvent{Final: true, Response: &final}, nil)
	}
}
