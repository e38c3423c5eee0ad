package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/oagudo/contract-outbox"

// Relay failure stages, used as the "stage" attribute of outbox.relay.failed.
const (
	stageLock    = "lock"
	stageRead    = "read"
	stageDecode  = "decode"
	stagePublish = "publish"
	stageAck     = "ack"
	stagePanic   = "panic"
	stageOther   = "other"
)

type relayMetrics struct {
	published   metric.Int64Counter
	failed      metric.Int64Counter
	runDuration metric.Float64Histogram
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(instrumentationName)

	var (
		metrics relayMetrics
		err     error
	)

	metrics.published, err = meter.Int64Counter(
		"outbox.relay.published",
		metric.WithDescription("Number of outbox records published and marked as published"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.published counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"outbox.relay.failed",
		metric.WithDescription("Number of relay runs stopped by a failure, by stage"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.failed counter: %w", err)
	}

	metrics.runDuration, err = meter.Float64Histogram(
		"outbox.relay.run.duration",
		metric.WithDescription("Time taken per relay run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.run.duration histogram: %w", err)
	}

	return metrics, nil
}

func (m relayMetrics) addPublished(ctx context.Context, n int) {
	if m.published == nil || n <= 0 {
		return
	}
	m.published.Add(ctx, int64(n))
}

func (m relayMetrics) addFailure(ctx context.Context, stage string) {
	if m.failed == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m relayMetrics) recordRun(ctx context.Context, seconds float64) {
	if m.runDuration == nil {
		return
	}
	m.runDuration.Record(ctx, seconds)
}
