package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/TraceForge/internal/fallback"
)

const meterName = "traceforge"

// Metrics holds all TraceForge metric instruments.
type Metrics struct {
	EventsIngested metric.Int64Counter
	CacheFallbacks metric.Int64Counter

	meter metric.Meter
}

// NewMetrics creates the synchronous metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{meter: meter}
	var err error

	m.EventsIngested, err = meter.Int64Counter("traceforge.events.ingested",
		metric.WithDescription("Number of events accepted into the durable store"))
	if err != nil {
		return nil, err
	}

	m.CacheFallbacks, err = meter.Int64Counter("traceforge.cache.fallbacks",
		metric.WithDescription("Number of cache writes routed to the fallback queue"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// EventIngested implements the ingest metrics hook.
func (m *Metrics) EventIngested(ctx context.Context) {
	m.EventsIngested.Add(ctx, 1)
}

// CacheFallback implements the ingest metrics hook.
func (m *Metrics) CacheFallback(ctx context.Context) {
	m.CacheFallbacks.Add(ctx, 1)
}

// RegisterWSConnections exports the live subscriber count.
func (m *Metrics) RegisterWSConnections(count func() int) error {
	gauge, err := m.meter.Int64ObservableGauge("traceforge.ws.connections",
		metric.WithDescription("Number of active stream subscribers"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(count()))
		return nil
	}, gauge)
	return err
}

// RegisterSyncStats exports the fallback queue depth and the sync
// replay totals from the sync service's own counters.
func (m *Metrics) RegisterSyncStats(stats func(ctx context.Context) fallback.SyncStats) error {
	depth, err := m.meter.Int64ObservableGauge("traceforge.fallback.queue_depth",
		metric.WithDescription("Current fallback queue depth"))
	if err != nil {
		return err
	}
	synced, err := m.meter.Int64ObservableCounter("traceforge.sync.synced",
		metric.WithDescription("Fallback operations replayed successfully"))
	if err != nil {
		return err
	}
	failed, err := m.meter.Int64ObservableCounter("traceforge.sync.failed",
		metric.WithDescription("Fallback replay attempts that failed"))
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s := stats(ctx)
		o.ObserveInt64(depth, int64(s.QueueDepth))
		o.ObserveInt64(synced, s.Synced)
		o.ObserveInt64(failed, s.Failed)
		return nil
	}, depth, synced, failed)
	return err
}
