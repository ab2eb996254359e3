package escalation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the OTEL instrumentation scope of this package.
const InstrumentationName = "github.com/fyrsmithlabs/cogflow/internal/escalation"

// Metrics records escalation activity. A nil *Metrics is a no-op.
type Metrics struct {
	created        metric.Int64Counter
	resolved       metric.Int64Counter
	waitDuration   metric.Float64Histogram
	activeSessions metric.Int64UpDownCounter
	scorerFallback metric.Int64Counter
}

// NewMetrics creates instruments on meter, or on the global meter if nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.created, err = meter.Int64Counter("escalation.created.total",
		metric.WithDescription("Escalations raised"),
		metric.WithUnit("{escalation}"),
	); err != nil {
		return nil, err
	}
	if m.resolved, err = meter.Int64Counter("escalation.resolved.total",
		metric.WithDescription("Escalations resolved by response or timeout"),
		metric.WithUnit("{escalation}"),
	); err != nil {
		return nil, err
	}
	if m.waitDuration, err = meter.Float64Histogram("escalation.wait.duration",
		metric.WithDescription("Time spent waiting for a human response"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800),
	); err != nil {
		return nil, err
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("escalation.sessions.active",
		metric.WithDescription("Collaborative sessions currently active"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}
	if m.scorerFallback, err = meter.Int64Counter("escalation.scorer.fallback.total",
		metric.WithDescription("Confidence scorer failures degraded to the neutral score"),
		metric.WithUnit("{score}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordCreated(ctx context.Context, stage string, p Priority) {
	if m == nil {
		return
	}
	m.created.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("priority", string(p)),
	))
}

func (m *Metrics) recordResolved(ctx context.Context, outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.waitDuration.Record(ctx, waited.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordSessions(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.activeSessions.Add(ctx, delta)
}

func (m *Metrics) recordScorerFallback(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.scorerFallback.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
