package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentd/internal/agentloop"
	"github.com/kadirpekel/agentd/internal/audit"
	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/ingest"
	"github.com/kadirpekel/agentd/internal/job"
	"github.com/kadirpekel/agentd/internal/llmclient"
	"github.com/kadirpekel/agentd/internal/memory"
	"github.com/kadirpekel/agentd/internal/observability"
	"github.com/kadirpekel/agentd/internal/passage"
	"github.com/kadirpekel/agentd/internal/storage"
	"github.com/kadirpekel/agentd/internal/vectorstore"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (stubEmbedder) Dimension() int { return 3 }

// stubBatchEmbedder implements ingest.Embedder (batch-shaped, unlike the
// agent loop's single-text Embedder).
type stubBatchEmbedder struct{}

func (stubBatchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (stubBatchEmbedder) Dimension() int { return 3 }

// llmStubBody is the minimal Messages-API response llmclient expects.
const llmStubBody = `{"content":[{"type":"text","text":"hello back"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":3}}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	llmStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(llmStubBody))
	}))
	t.Cleanup(llmStub.Close)

	storageCfg := &config.Config{DBPoolSize: 2, DBPoolTimeout: 5 * time.Second, DBPoolRecycle: time.Hour}
	db, err := storage.OpenMemoryForTest(context.Background(), storageCfg, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vector, err := vectorstore.NewChromemProvider(vectorstore.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vector.Close() })

	cfg := &config.Config{
		LLMAPIBase:             llmStub.URL,
		LLMAPIKey:              "test-key",
		MaxStepsPerTurn:        4,
		PerTurnDeadlineSeconds: 5 * time.Second,
		DefaultTopK:            3,
		HTTPAddr:               ":0",
		HTTPRateLimitPerSecond: 0,
	}

	mem := memory.New(db)
	passages := passage.New(db, vector)
	jobs := job.New(db)
	llm := llmclient.New(cfg, llmclient.WithModel("claude-test"))
	loop := agentloop.New(db, mem, passages, stubEmbedder{}, llm, jobs, cfg)
	ingestPipeline := ingest.New(passages, stubBatchEmbedder{})

	auditSink, err := audit.New(audit.Config{Dir: t.TempDir(), Rules: audit.DefaultRiskRuleSet()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditSink.Close() })

	metrics, err := observability.New("agentd_test")
	require.NoError(t, err)

	srv := New(db, mem, passages, loop, jobs, ingestPipeline, auditSink, cfg, metrics)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-Id", "org-1")
	req.Header.Set("X-User-Id", "user-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetAgent(t *testing.T) {
	ts := newTestServer(t)

	createResp := doJSON(t, http.MethodPost, ts.URL+"/v1/agents", map[string]any{
		"name":       "support-bot",
		"top_k":      3,
		"llm_config": json.RawMessage(`{"model":"claude-test"}`),
		"memory_blocks": []map[string]string{
			{"label": "persona", "value": "You are a support agent."},
		},
	})
	defer createResp.Body.Close()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	agentID, _ := created["id"].(string)
	require.NotEmpty(t, agentID)

	getResp := doJSON(t, http.MethodGet, ts.URL+"/v1/agents/"+agentID, nil)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var fetched map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&fetched))
	require.Equal(t, "support-bot", fetched["name"])
}

func TestGetAgentNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/agents/agent-does-not-exist", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "not_found", errObj["code"])
}

func TestSendMessageSync(t *testing.T) {
	ts := newTestServer(t)

	createResp := doJSON(t, http.MethodPost, ts.URL+"/v1/agents", map[string]any{
		"name":       "chat-bot",
		"top_k":      3,
		"llm_config": json.RawMessage(`{"model":"claude-test"}`),
	})
	defer createResp.Body.Close()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	var created map[string]any
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	agentID := created["id"].(string)

	sendResp := doJSON(t, http.MethodPost, ts.URL+"/v1/agents/"+agentID+"/messages", map[string]any{
		"messages": []string{"hello"},
	})
	defer sendResp.Body.Close()
	require.Equal(t, http.StatusOK, sendResp.StatusCode)

	var result map[string]any
	require.NoError(t, json.NewDecoder(sendResp.Body).Decode(&result))
	require.Equal(t, "end_turn", result["stop_reason"])
}

func TestCreateSourceUploadAndListPassages(t *testing.T) {
	ts := newTestServer(t)

	sourceResp := doJSON(t, http.MethodPost, ts.URL+"/v1/sources", map[string]any{"name": "docs"})
	defer sourceResp.Body.Close()
	require.Equal(t, http.StatusCreated, sourceResp.StatusCode)
	var source map[string]any
	require.NoError(t, json.NewDecoder(sourceResp.Body).Decode(&source))
	sourceID := source["ID"].(string)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("the quick brown fox jumps over the lazy dog"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/sources/"+sourceID+"/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Organization-Id", "org-1")
	req.Header.Set("X-User-Id", "user-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var uploadResult map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploadResult))
	require.NotZero(t, uploadResult["passage_count"])

	passagesResp := doJSON(t, http.MethodGet, ts.URL+"/v1/passages/source/"+sourceID, nil)
	defer passagesResp.Body.Close()
	require.Equal(t, http.StatusOK, passagesResp.StatusCode)
}

func TestAuditStatsAndEvents(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/audit/stats", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Contains(t, stats, "uptime_hours")

	eventsResp := doJSON(t, http.MethodGet, ts.URL+"/v1/audit/events?limit=10", nil)
	defer eventsResp.Body.Close()
	require.Equal(t, http.StatusOK, eventsResp.StatusCode)
}

func TestRateLimitReturnsResourceExhausted(t *testing.T) {
	// A dedicated instance configured with a tight limit, independent of
	// newTestServer's disabled limiter.
	storageCfg := &config.Config{DBPoolSize: 2, DBPoolTimeout: 5 * time.Second, DBPoolRecycle: time.Hour}
	db, err := storage.OpenMemoryForTest(context.Background(), storageCfg, t.Name()+"-ratelimit")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vector, err := vectorstore.NewChromemProvider(vectorstore.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vector.Close() })

	cfg := &config.Config{
		MaxStepsPerTurn:        4,
		PerTurnDeadlineSeconds: 5 * time.Second,
		DefaultTopK:            3,
		HTTPRateLimitPerSecond: 1,
		HTTPRateLimitBurst:     1,
	}
	mem := memory.New(db)
	passages := passage.New(db, vector)
	jobs := job.New(db)
	llm := llmclient.New(cfg, llmclient.WithModel("claude-test"))
	loop := agentloop.New(db, mem, passages, stubEmbedder{}, llm, jobs, cfg)
	ingestPipeline := ingest.New(passages, stubBatchEmbedder{})
	metrics, err := observability.New("agentd_ratelimit_test")
	require.NoError(t, err)

	srv := New(db, mem, passages, loop, jobs, ingestPipeline, nil, cfg, metrics)
	limited := httptest.NewServer(srv.Handler())
	t.Cleanup(limited.Close)

	var lastStatus int
	for i := 0; i < 5; i++ {
		resp := doJSON(t, http.MethodGet, limited.URL+"/healthz", nil)
		lastStatus = resp.StatusCode
		resp.Body.Close()
		if lastStatus == http.StatusTooManyRequests {
			break
		}
	}
	require.Equal(t, http.StatusTooManyRequests, lastStatus)
}
