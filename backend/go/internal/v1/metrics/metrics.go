// Package metrics declares the Prometheus instrumentation surfaced at
// /metrics (§6) for the matchmaking and signaling service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: namespace_subsystem_name
// - namespace: matchlink (application-level grouping)
// - subsystem: gateway, queue, room, signaling, safety, store (feature-level grouping)
// - name: specific metric (connections_active, matches_total, etc.)

var (
	// ActiveConnections tracks the current number of live gateway connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchlink",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "Current number of active gateway connections",
	})

	// GatewayEvents tracks dispatched client commands by type and outcome.
	GatewayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Total gateway commands dispatched",
	}, []string{"command", "status"})

	// CommandProcessingDuration tracks time spent handling a dispatched command.
	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "matchlink",
		Subsystem: "gateway",
		Name:      "command_duration_seconds",
		Help:      "Time spent processing a gateway command",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"command"})

	// QueueDepth tracks current queue length per (intent, medium).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchlink",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of sessions waiting in a queue",
	}, []string{"intent", "medium"})

	// MatchesTotal tracks successful pairings minted by the Queue Engine.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "queue",
		Name:      "matches_total",
		Help:      "Total pairings minted",
	}, []string{"intent", "medium"})

	// StaleCandidatesDiscarded tracks queue entries discarded for failing
	// the liveness check during a pair scan.
	StaleCandidatesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "queue",
		Name:      "stale_candidates_discarded_total",
		Help:      "Total queue candidates discarded for being stale",
	}, []string{"intent", "medium"})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchlink",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of active rooms",
	})

	// RoomsDestroyed tracks room teardown by reason.
	RoomsDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "room",
		Name:      "destroyed_total",
		Help:      "Total rooms destroyed",
	}, []string{"reason"})

	// SignalsRelayed tracks signal envelopes forwarded by the relay.
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "signaling",
		Name:      "relayed_total",
		Help:      "Total signal envelopes relayed",
	}, []string{"kind", "status"})

	// ReportsIngested tracks abuse reports filed.
	ReportsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "safety",
		Name:      "reports_total",
		Help:      "Total abuse reports filed",
	}, []string{"reason"})

	// AutoDisconnectsTotal tracks forced disconnects triggered by the
	// report threshold.
	AutoDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "safety",
		Name:      "auto_disconnects_total",
		Help:      "Total sessions forcibly disconnected for exceeding the report threshold",
	})

	// RateLimitExceeded tracks requests rejected by the sliding-window limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "safety",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by the rate limiter",
	}, []string{"bucket"})

	// RateLimitChecked tracks every request evaluated against the limiter.
	RateLimitChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "safety",
		Name:      "rate_limit_checked_total",
		Help:      "Total requests checked against the rate limiter",
	}, []string{"bucket"})

	// CircuitBreakerState tracks the gobreaker state of the shared state store.
	// 0: Closed, 1: Open, 2: Half-Open.
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchlink",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state for the shared state store (0: Closed, 1: Open, 2: Half-Open)",
	})

	// StoreOperationsTotal tracks every store operation by outcome.
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchlink",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total shared state store operations",
	}, []string{"operation", "status"})

	// StoreOperationDuration tracks store operation latency.
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "matchlink",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Duration of shared state store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
