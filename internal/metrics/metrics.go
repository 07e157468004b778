// Package metrics provides Prometheus instrumentation for the quick-match
// services. It exposes counters for controller phase changes and pairing
// throughput, gauges for queue and connection counts, and histograms for
// time-to-match.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PhaseTransitions counts controller phase changes, labeled by the phase entered.
	PhaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quickmatch_phase_transitions_total",
		Help: "Controller phase transitions by target phase",
	}, []string{"phase"})

	// PollErrors counts failed match lookups during polling.
	PollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quickmatch_poll_errors_total",
		Help: "Failed match lookups during controller polling",
	})

	// SubscriptionFailures counts change-feed subscriptions that could not be
	// established, labeled by kind: "user" or "match".
	SubscriptionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quickmatch_subscription_failures_total",
		Help: "Change feed subscriptions that failed to establish",
	}, []string{"kind"})

	// WaitDuration records the time from start to a wired match on the client side.
	WaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quickmatch_wait_duration_seconds",
		Help:    "Time from start to match found, observed by the controller",
		Buckets: []float64{.5, 1, 2, 5, 10, 15, 20, 30, 60},
	})

	// QueueSize tracks the number of waiting queue entries.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quickmatch_queue_size",
		Help: "Current number of users waiting in the match queue",
	})

	// Pairings counts matches created by the pairing procedure, labeled by tier.
	Pairings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quickmatch_pairings_total",
		Help: "Matches created by the pairing procedure",
	}, []string{"tier"})

	// ExpiredMatches counts matched pairs cancelled for missing the connect deadline.
	ExpiredMatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quickmatch_expired_matches_total",
		Help: "Matches cancelled because no side connected in time",
	})

	// GatewayConnections tracks the current number of gateway WebSocket connections.
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quickmatch_gateway_connections",
		Help: "Current number of gateway WebSocket connections",
	})
)

func init() {
	prometheus.MustRegister(
		PhaseTransitions,
		PollErrors,
		SubscriptionFailures,
		WaitDuration,
		QueueSize,
		Pairings,
		ExpiredMatches,
		GatewayConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
