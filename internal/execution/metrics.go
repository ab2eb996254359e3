package execution

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the OTEL instrumentation scope of this package.
const InstrumentationName = "github.com/fyrsmithlabs/cogflow/internal/execution"

// Metrics records context tree activity. A nil *Metrics is a no-op.
type Metrics struct {
	contextsCreated metric.Int64Counter
	spawnRejected   metric.Int64Counter
	contextsEnded   metric.Int64Counter
	active          metric.Int64UpDownCounter
	tokensPerRun    metric.Int64Histogram
}

// NewMetrics creates instruments on meter, or on the global meter if nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.contextsCreated, err = meter.Int64Counter("execution.context.created.total",
		metric.WithDescription("Execution contexts registered"),
		metric.WithUnit("{context}"),
	); err != nil {
		return nil, err
	}
	if m.spawnRejected, err = meter.Int64Counter("execution.spawn.rejected.total",
		metric.WithDescription("Child spawns refused by depth or budget"),
		metric.WithUnit("{spawn}"),
	); err != nil {
		return nil, err
	}
	if m.contextsEnded, err = meter.Int64Counter("execution.context.ended.total",
		metric.WithDescription("Execution contexts reaching a terminal status"),
		metric.WithUnit("{context}"),
	); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("execution.context.active",
		metric.WithDescription("Registered contexts not yet terminal"),
		metric.WithUnit("{context}"),
	); err != nil {
		return nil, err
	}
	if m.tokensPerRun, err = meter.Int64Histogram("execution.context.tokens",
		metric.WithDescription("Tokens consumed by a context at completion"),
		metric.WithUnit("{token}"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordCreated(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("depth", depth))
	m.contextsCreated.Add(ctx, 1, attrs)
	m.active.Add(ctx, 1)
}

func (m *Metrics) recordSpawnRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.spawnRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) recordEnded(ctx context.Context, status Status, tokens int) {
	if m == nil {
		return
	}
	m.contextsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	m.active.Add(ctx, -1)
	m.tokensPerRun.Record(ctx, int64(tokens))
}
