package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/estatedash"
)

// Outcomes recorded on session operations.
const (
	OutcomeSuccess    = "success"
	OutcomeInvalid    = "invalid"
	OutcomeTransient  = "transient"
	OutcomeNoToken    = "no_token"
	OutcomeFailed     = "failed"
	OutcomeSuperseded = "superseded"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session metrics
	LoginsTotal      metric.Int64Counter
	RefreshTotal     metric.Int64Counter
	RefreshDuration  metric.Float64Histogram
	LogoutsTotal     metric.Int64Counter
	RevocationsTotal metric.Int64Counter

	// Gateway metrics
	RequestsTotal      metric.Int64Counter
	RequestDuration    metric.Float64Histogram
	UnauthorizedTotal  metric.Int64Counter
	RetriesTotal       metric.Int64Counter
	ForcedLogoutsTotal metric.Int64Counter
	CoalescedRefreshes metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance registered with the global
// meter provider, initializing it if necessary.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = NewMetrics(otel.GetMeterProvider())
	})
	return metrics
}

// NewMetrics creates the metric instruments on provider.
func NewMetrics(provider metric.MeterProvider) *Metrics {
	meter := provider.Meter(meterName)

	m := &Metrics{}

	m.LoginsTotal, _ = meter.Int64Counter(
		"estatedash.session.logins.total",
		metric.WithDescription("Total number of completed login attempts by outcome"),
		metric.WithUnit("{login}"),
	)

	m.RefreshTotal, _ = meter.Int64Counter(
		"estatedash.session.refresh.total",
		metric.WithDescription("Total number of token refresh calls by outcome"),
		metric.WithUnit("{refresh}"),
	)

	m.RefreshDuration, _ = meter.Float64Histogram(
		"estatedash.session.refresh.duration",
		metric.WithDescription("Duration of token refresh calls"),
		metric.WithUnit("ms"),
	)

	m.LogoutsTotal, _ = meter.Int64Counter(
		"estatedash.session.logouts.total",
		metric.WithDescription("Total number of logouts by reason"),
		metric.WithUnit("{logout}"),
	)

	m.RevocationsTotal, _ = meter.Int64Counter(
		"estatedash.session.revocations.total",
		metric.WithDescription("Total number of refresh token revocations by outcome"),
		metric.WithUnit("{revocation}"),
	)

	m.RequestsTotal, _ = meter.Int64Counter(
		"estatedash.gateway.requests.total",
		metric.WithDescription("Total number of gateway requests by method and status class"),
		metric.WithUnit("{request}"),
	)

	m.RequestDuration, _ = meter.Float64Histogram(
		"estatedash.gateway.request.duration",
		metric.WithDescription("Duration of gateway requests"),
		metric.WithUnit("ms"),
	)

	m.UnauthorizedTotal, _ = meter.Int64Counter(
		"estatedash.gateway.unauthorized.total",
		metric.WithDescription("Total number of 401 responses from the gateway"),
		metric.WithUnit("{response}"),
	)

	m.RetriesTotal, _ = meter.Int64Counter(
		"estatedash.gateway.retries.total",
		metric.WithDescription("Total number of requests retried after a refresh"),
		metric.WithUnit("{request}"),
	)

	m.ForcedLogoutsTotal, _ = meter.Int64Counter(
		"estatedash.gateway.forced_logouts.total",
		metric.WithDescription("Total number of logouts forced by terminal refresh failures"),
		metric.WithUnit("{logout}"),
	)

	m.CoalescedRefreshes, _ = meter.Int64Counter(
		"estatedash.session.refresh.coalesced.total",
		metric.WithDescription("Total number of refresh callers that joined an in-flight refresh"),
		metric.WithUnit("{caller}"),
	)

	return m
}

// RecordOutcome increments counter with an outcome attribute.
func RecordOutcome(ctx context.Context, counter metric.Int64Counter, outcome string) {
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
