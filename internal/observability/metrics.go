// Package observability records HTTP, agent-loop, LLM, and audit metrics
// through the OpenTelemetry metrics SDK, exported in Prometheus text
// format — the same combination SPEC_FULL.md's DOMAIN STACK assigns to the
// teacher's pkg/observability (otel SDK for recording, client_golang's
// promhttp for the `/metrics` endpoint), trimmed to this module's own
// metric families instead of the teacher's agent/tool/session ones.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
)

// Metrics holds the otel instruments this module records to, backed by a
// Prometheus exporter registered on its own registry (so tests can build
// independent instances without colliding on the global default registry).
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram

	turnOutcomes metric.Int64Counter
	turnDuration metric.Float64Histogram

	llmCalls    metric.Int64Counter
	llmDuration metric.Float64Histogram
	llmTokens   metric.Int64Counter

	auditEvents  metric.Int64Counter
	auditDropped metric.Int64Counter
}

// New builds a Metrics instance whose readings are exposed through the
// returned instance's Handler (Prometheus text exposition format).
func New(namespace string) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry), otelprom.WithNamespace(namespace))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("agentd")

	m := &Metrics{registry: registry, provider: provider}

	m.httpRequests, err = meter.Int64Counter("http_requests_total", metric.WithDescription("Total HTTP requests"))
	if err != nil {
		return nil, err
	}
	m.httpDuration, err = meter.Float64Histogram("http_request_duration_seconds", metric.WithDescription("HTTP request duration"))
	if err != nil {
		return nil, err
	}
	m.turnOutcomes, err = meter.Int64Counter("agent_turns_total", metric.WithDescription("Agent-loop turns by stop reason"))
	if err != nil {
		return nil, err
	}
	m.turnDuration, err = meter.Float64Histogram("agent_turn_duration_seconds", metric.WithDescription("Agent turn duration"))
	if err != nil {
		return nil, err
	}
	m.llmCalls, err = meter.Int64Counter("llm_calls_total", metric.WithDescription("LLM provider calls"))
	if err != nil {
		return nil, err
	}
	m.llmDuration, err = meter.Float64Histogram("llm_call_duration_seconds", metric.WithDescription("LLM call duration"))
	if err != nil {
		return nil, err
	}
	m.llmTokens, err = meter.Int64Counter("llm_tokens_total", metric.WithDescription("Tokens consumed by kind"))
	if err != nil {
		return nil, err
	}
	m.auditEvents, err = meter.Int64Counter("audit_events_total", metric.WithDescription("Audit events logged"))
	if err != nil {
		return nil, err
	}
	m.auditDropped, err = meter.Int64Counter("audit_events_dropped_total", metric.WithDescription("Audit events dropped for a full queue"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", statusClass(status)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method), attribute.String("path", path)))
}

func (m *Metrics) RecordTurn(ctx context.Context, stopReason string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stop_reason", stopReason))
	m.turnOutcomes.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	modelAttr := metric.WithAttributes(attribute.String("model", model))
	m.llmCalls.Add(ctx, 1, modelAttr)
	m.llmDuration.Record(ctx, duration.Seconds(), modelAttr)
	m.llmTokens.Add(ctx, int64(promptTokens), metric.WithAttributes(attribute.String("model", model), attribute.String("kind", "prompt")))
	m.llmTokens.Add(ctx, int64(completionTokens), metric.WithAttributes(attribute.String("model", model), attribute.String("kind", "completion")))
}

func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType, level string) {
	if m == nil {
		return
	}
	m.auditEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType), attribute.String("level", level)))
}

func (m *Metrics) RecordAuditDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.auditDropped.Add(ctx, 1)
}

// Handler serves the Prometheus text exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and releases the underlying meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
