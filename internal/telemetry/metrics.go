package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/replay"
)

// Metrics holds all the OpenTelemetry metric instruments. With no meter
// provider installed the instruments are no-ops, so components record
// unconditionally.
type Metrics struct {
	// Ingest metrics
	EventsIngestedTotal metric.Int64Counter
	ErrorsIngestedTotal metric.Int64Counter

	// Broadcast metrics
	EventsBroadcastTotal   metric.Int64Counter
	FramesDroppedTotal     metric.Int64Counter
	ConnectedClients       metric.Int64UpDownCounter
	HeartbeatTimeoutsTotal metric.Int64Counter

	// Session metrics
	LiveSessions         metric.Int64UpDownCounter
	SessionsStartedTotal metric.Int64Counter
	SessionsEvictedTotal metric.Int64Counter
	EventsTrimmedTotal   metric.Int64Counter

	// Batcher metrics
	FlushesTotal        metric.Int64Counter
	FlushErrorsTotal    metric.Int64Counter
	BatchesFlushedTotal metric.Int64Counter
	FlushDuration       metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments.
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.EventsIngestedTotal, _ = meter.Int64Counter(
		"replay.events.ingested.total",
		metric.WithDescription("Total number of tracker events accepted"),
		metric.WithUnit("{event}"),
	)

	m.ErrorsIngestedTotal, _ = meter.Int64Counter(
		"replay.errors.ingested.total",
		metric.WithDescription("Total number of tracker error records accepted"),
		metric.WithUnit("{error}"),
	)

	m.EventsBroadcastTotal, _ = meter.Int64Counter(
		"replay.events.broadcast.total",
		metric.WithDescription("Total number of events fanned out to viewers"),
		metric.WithUnit("{event}"),
	)

	m.FramesDroppedTotal, _ = meter.Int64Counter(
		"replay.frames.dropped.total",
		metric.WithDescription("Total number of frames dropped due to slow viewers"),
		metric.WithUnit("{frame}"),
	)

	m.ConnectedClients, _ = meter.Int64UpDownCounter(
		"replay.clients.connected",
		metric.WithDescription("Number of connected websocket clients"),
		metric.WithUnit("{client}"),
	)

	m.HeartbeatTimeoutsTotal, _ = meter.Int64Counter(
		"replay.clients.heartbeat_timeouts.total",
		metric.WithDescription("Total number of clients disconnected for missed heartbeats"),
		metric.WithUnit("{client}"),
	)

	m.LiveSessions, _ = meter.Int64UpDownCounter(
		"replay.sessions.live",
		metric.WithDescription("Number of sessions held in memory"),
		metric.WithUnit("{session}"),
	)

	m.SessionsStartedTotal, _ = meter.Int64Counter(
		"replay.sessions.started.total",
		metric.WithDescription("Total number of sessions started"),
		metric.WithUnit("{session}"),
	)

	m.SessionsEvictedTotal, _ = meter.Int64Counter(
		"replay.sessions.evicted.total",
		metric.WithDescription("Total number of sessions evicted from memory"),
		metric.WithUnit("{session}"),
	)

	m.EventsTrimmedTotal, _ = meter.Int64Counter(
		"replay.events.trimmed.total",
		metric.WithDescription("Total number of events discarded by the buffer cap"),
		metric.WithUnit("{event}"),
	)

	m.FlushesTotal, _ = meter.Int64Counter(
		"replay.batcher.flushes.total",
		metric.WithDescription("Total number of successful batch flushes"),
		metric.WithUnit("{flush}"),
	)

	m.FlushErrorsTotal, _ = meter.Int64Counter(
		"replay.batcher.flush_errors.total",
		metric.WithDescription("Total number of failed batch flushes"),
		metric.WithUnit("{flush}"),
	)

	m.BatchesFlushedTotal, _ = meter.Int64Counter(
		"replay.batcher.batches.total",
		metric.WithDescription("Total number of batches written to the store"),
		metric.WithUnit("{batch}"),
	)

	m.FlushDuration, _ = meter.Float64Histogram(
		"replay.batcher.flush.duration",
		metric.WithDescription("Duration of batch flush transactions"),
		metric.WithUnit("ms"),
	)

	return m
}
