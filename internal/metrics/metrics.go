// Package metrics declares every Prometheus series the engine exposes,
// matching the surface enumerated in SPEC_FULL.md §6.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BidsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_bids_accepted_total",
		Help: "Total number of accepted bids.",
	})

	BidRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sealbid_bid_rejections_total",
		Help: "Total number of rejected bids by reason code.",
	}, []string{"reason"})

	SettlementInitiated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_settlement_initiated_total",
		Help: "Total number of settlement manifests created.",
	})
	SettlementCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_settlement_completed_total",
		Help: "Total number of manifests that reached COMPLETED.",
	})
	SettlementFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_settlement_failed_total",
		Help: "Total number of manifests that reached ESCALATED.",
	})
	SettlementExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_settlement_expired_total",
		Help: "Total number of manifests that expired before completion.",
	})
	SettlementCaptures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_settlement_captures_total",
		Help: "Total number of successful deposit captures.",
	})
	SettlementRefunds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_settlement_refunds_total",
		Help: "Total number of successful deposit refunds.",
	})
	SettlementItemFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sealbid_settlement_item_failures_total",
		Help: "Total number of failed settlement item attempts by action.",
	}, []string{"action"})

	StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sealbid_state_transitions_total",
		Help: "Total number of auction state transitions.",
	}, []string{"from", "to"})

	AdminRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_admin_retries_total",
		Help: "Total number of manifest retries triggered from the admin API.",
	})
	ReconciliationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_reconciliation_failures_total",
		Help: "Total number of reconciliation checks that failed.",
	})

	POSTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_pos_timeouts_total",
		Help: "Total number of POS calls that hit the hard timeout.",
	})
	CircuitTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sealbid_circuit_trips_total",
		Help: "Total number of times the POS circuit breaker opened.",
	})
	LockFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sealbid_lock_failures_total",
		Help: "Total number of failed KV lock acquisitions by key namespace.",
	}, []string{"namespace"})

	ActiveWSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sealbid_active_ws_connections",
		Help: "Current number of open WebSocket connections.",
	})
	KVHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sealbid_kv_healthy",
		Help: "1 if the KV store's latest connection event was healthy, else 0.",
	})
	CircuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sealbid_circuit_state",
		Help: "POS circuit breaker state: 0=CLOSED, 1=HALF_OPEN, 2=OPEN.",
	})
	SettlementBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sealbid_settlement_backlog",
		Help: "Number of ACTIVE settlement manifests observed on the last tick.",
	})

	SettlementTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sealbid_settlement_tick_duration_seconds",
		Help:    "Duration of each settlement worker tick.",
		Buckets: prometheus.DefBuckets,
	})
)

// Registry is a dedicated registry (rather than the global default) so
// tests can construct isolated registries without colliding on repeated
// registration of the same metric names.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		BidsAccepted, BidRejections,
		SettlementInitiated, SettlementCompleted, SettlementFailed, SettlementExpired,
		SettlementCaptures, SettlementRefunds, SettlementItemFailures,
		StateTransitions, AdminRetries, ReconciliationFailures,
		POSTimeouts, CircuitTrips, LockFailures,
		ActiveWSConnections, KVHealthy, CircuitState, SettlementBacklog,
		SettlementTickDuration,
	)
	return r
}
