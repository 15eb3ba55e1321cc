package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()

	// FixesAccepted counts fixes that passed the freshness/accuracy gate
	FixesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "fixes_accepted_total", Help: "Location fixes accepted by the filter."},
	)
	// FixesRejected counts dropped fixes by reason (stale, inaccurate)
	FixesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fixes_rejected_total", Help: "Location fixes dropped by the filter."},
		[]string{"reason"},
	)

	// Transitions counts detected geofence transitions by type
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geofence_transitions_total", Help: "Detected geofence transitions by type."},
		[]string{"type"},
	)

	// Publishes counts event store append outcomes
	Publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "event_publishes_total", Help: "Event publish outcomes."},
		[]string{"status"},
	)

	// Dispatches counts per-token notification delivery outcomes
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notification_dispatches_total", Help: "Notification deliveries by outcome."},
		[]string{"status"},
	)
	// DispatchLatency tracks per-token delivery latencies in milliseconds
	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "notification_dispatch_latency_ms", Help: "Notification delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"status"},
	)

	// KeepAliveRenewals counts keep-alive grant renewals by outcome
	KeepAliveRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "keepalive_renewals_total", Help: "Keep-alive session renewals by outcome."},
		[]string{"status"},
	)

	// TokensPruned counts delivery tokens removed after repeated failures
	TokensPruned = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_tokens_pruned_total", Help: "Delivery tokens pruned after repeated failures."},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(FixesAccepted)
		Registry.MustRegister(FixesRejected)
		Registry.MustRegister(Transitions)
		Registry.MustRegister(Publishes)
		Registry.MustRegister(Dispatches)
		Registry.MustRegister(DispatchLatency)
		Registry.MustRegister(KeepAliveRenewals)
		Registry.MustRegister(TokensPruned)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
