package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fluxtide/workspace-mcp/internal/breaker"
)

// Metric attribute keys.
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrFlow      = "flow"
	attrOutcome   = "outcome"
	attrOperation = "operation"
	attrFrom      = "from"
	attrTo        = "to"
)

// Metrics records the gateway's observability metrics. The zero value is a
// no-op recorder, used when instrumentation is disabled.
type Metrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	oauthLoginsTotal    metric.Int64Counter
	oauthCallbacksTotal metric.Int64Counter
	tokenExchangesTotal metric.Int64Counter

	breakerTransitionsTotal metric.Int64Counter

	workspaceCallsTotal  metric.Int64Counter
	workspaceCallSeconds metric.Float64Histogram
}

// NewMetrics registers all instruments on the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.oauthLoginsTotal, err = meter.Int64Counter(
		"oauth_logins_total",
		metric.WithDescription("OAuth logins started, by flow"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_logins_total counter: %w", err)
	}

	m.oauthCallbacksTotal, err = meter.Int64Counter(
		"oauth_callbacks_total",
		metric.WithDescription("OAuth callback completions, by flow and outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_callbacks_total counter: %w", err)
	}

	m.tokenExchangesTotal, err = meter.Int64Counter(
		"token_exchanges_total",
		metric.WithDescription("Token endpoint exchanges, by outcome"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_exchanges_total counter: %w", err)
	}

	m.breakerTransitionsTotal, err = meter.Int64Counter(
		"circuit_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions, by operation"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit_breaker_transitions_total counter: %w", err)
	}

	m.workspaceCallsTotal, err = meter.Int64Counter(
		"workspace_api_calls_total",
		metric.WithDescription("Upstream Workspace API calls, by operation and status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace_api_calls_total counter: %w", err)
	}

	m.workspaceCallSeconds, err = meter.Float64Histogram(
		"workspace_api_call_duration_seconds",
		metric.WithDescription("Upstream Workspace API call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace_api_call_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m.httpRequestsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(status)),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// LoginStarted implements the flow controller's metrics hook.
func (m *Metrics) LoginStarted(flow string) {
	if m.oauthLoginsTotal == nil {
		return
	}
	m.oauthLoginsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String(attrFlow, flow)))
}

// CallbackOutcome implements the flow controller's metrics hook.
func (m *Metrics) CallbackOutcome(flow, outcome string) {
	if m.oauthCallbacksTotal == nil {
		return
	}
	m.oauthCallbacksTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String(attrFlow, flow),
			attribute.String(attrOutcome, outcome)))
}

// TokenExchange implements the flow controller's metrics hook.
func (m *Metrics) TokenExchange(outcome string) {
	if m.tokenExchangesTotal == nil {
		return
	}
	m.tokenExchangesTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}

// OnStateChange implements breaker.TransitionHandler.
func (m *Metrics) OnStateChange(name string, from, to breaker.State) {
	if m.breakerTransitionsTotal == nil {
		return
	}
	m.breakerTransitionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String(attrOperation, name),
			attribute.String(attrFrom, from.String()),
			attribute.String(attrTo, to.String())))
}

// RecordWorkspaceCall records one upstream API call.
func (m *Metrics) RecordWorkspaceCall(ctx context.Context, operation, status string, duration time.Duration) {
	if m.workspaceCallsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	)
	m.workspaceCallsTotal.Add(ctx, 1, attrs)
	m.workspaceCallSeconds.Record(ctx, duration.Seconds(), attrs)
}
