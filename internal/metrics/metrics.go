// Package metrics exposes Prometheus instrumentation for the ingest and fan-out path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts applied events by type.
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_metrics_events_ingested_total",
			Help: "Ingest events applied to an accumulator",
		},
		[]string{"type"},
	)

	// EventsDropped counts events that were not applied, by reason (malformed, duplicate).
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_metrics_events_dropped_total",
			Help: "Ingest events dropped before being applied",
		},
		[]string{"reason"},
	)

	// ActiveStreams is the number of tracked accumulators.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_metrics_active_streams",
		Help: "Streams with an in-memory accumulator",
	})

	// ExpiredViewers counts implicit leaves applied after a missed heartbeat.
	ExpiredViewers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_metrics_expired_viewers_total",
		Help: "Viewers removed after their heartbeat timed out",
	})

	// AnonymousJoins counts joins without a viewer id. They cannot be expired by the
	// heartbeat sweep and rely on an explicit leave.
	AnonymousJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_metrics_anonymous_joins_total",
		Help: "Viewer joins without a viewer id (not heartbeat-tracked)",
	})

	// PushDeliveries counts snapshots handed to push sessions, by trigger (tick, change, initial).
	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_metrics_push_deliveries_total",
			Help: "Snapshots delivered to push subscribers",
		},
		[]string{"trigger"},
	)

	// PushSkipped counts messages skipped because a session's send buffer was full.
	PushSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_metrics_push_skipped_total",
		Help: "Snapshot messages skipped for slow push sessions",
	})

	// Subscriptions is the number of live subscriptions by channel (push, poll).
	Subscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "live_metrics_subscriptions",
			Help: "Dashboard subscriptions by delivery channel",
		},
		[]string{"channel"},
	)

	// PollRequests counts snapshot queries served.
	PollRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_metrics_poll_requests_total",
		Help: "Snapshot queries served in poll mode",
	})

	// DurableWrites counts side-channel writes by outcome (ok, error, dropped, rejected).
	DurableWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_metrics_durable_writes_total",
			Help: "Best-effort durable counter writes by outcome",
		},
		[]string{"outcome"},
	)

	// BreakerState reports the durable store circuit breaker (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_metrics_durable_breaker_state",
		Help: "Durable store circuit breaker state",
	})
)
