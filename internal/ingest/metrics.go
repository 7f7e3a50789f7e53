package ingest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/gtmlake/internal/model"
	"github.com/ashita-ai/gtmlake/internal/telemetry"
)

const (
	outcomeStored       = "stored"
	outcomeInvalid      = "invalid"
	outcomeFailed       = "failed"
	outcomeDeadLettered = "dead_lettered"
)

type pipelineMetrics struct {
	records       metric.Int64Counter
	storeDuration metric.Float64Histogram
	panics        metric.Int64Counter
	reconnects    metric.Int64Counter
}

// registerMetrics creates the pipeline instruments against the global meter
// provider. Instrument creation errors leave a no-op instrument in place.
func (p *Pipeline) registerMetrics() *pipelineMetrics {
	meter := telemetry.Meter("gtmlake/ingest")
	m := &pipelineMetrics{}

	m.records, _ = meter.Int64Counter("gtm.ingest.records",
		metric.WithDescription("Records processed, by kind and outcome"),
	)
	m.storeDuration, _ = meter.Float64Histogram("gtm.ingest.store_duration",
		metric.WithDescription("Storage write latency including retries"),
		metric.WithUnit("ms"),
	)
	m.panics, _ = meter.Int64Counter("gtm.ingest.worker_panics",
		metric.WithDescription("Worker panics recovered by the pipeline"),
	)
	m.reconnects, _ = meter.Int64Counter("gtm.ingest.reconnects",
		metric.WithDescription("Broker subscriptions restored after a lost connection"),
	)

	_, _ = meter.Int64ObservableGauge("gtm.ingest.in_flight",
		metric.WithDescription("Work units currently running"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.InFlight())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("gtm.ingest.state",
		metric.WithDescription("Pipeline lifecycle state (0 stopped, 1 starting, 2 running, 3 stopping)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.State()))
			return nil
		}),
	)
	return m
}

func (m *pipelineMetrics) record(ctx context.Context, kind model.Kind, outcome string) {
	if m == nil || m.records == nil {
		return
	}
	m.records.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

func (m *pipelineMetrics) observeStore(ctx context.Context, kind model.Kind, d time.Duration) {
	if m == nil || m.storeDuration == nil {
		return
	}
	m.storeDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		attribute.String("kind", string(kind)),
	))
}
