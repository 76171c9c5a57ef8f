// Package metrics defines and registers all custom Prometheus metrics of the
// identity service. It is the single source of truth for metric names,
// labels, and help strings. Metrics register with the default registry on
// package load.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "identity"

// ── Dispatch metrics ─────────────────────────────────────────────────────────

// MessagesReceivedTotal counts inbound broker messages.
// Label:
//   - route: resolved route (e.g. "login/subject"), or "unknown"
var MessagesReceivedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of inbound request messages, by route.",
	},
	[]string{"route"},
)

// MessagesDroppedTotal counts messages discarded before reaching a handler.
// Label:
//   - reason: "unknown_topic", "duplicate", "breaker_open"
var MessagesDroppedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Total number of inbound messages dropped without a handler run.",
	},
	[]string{"reason"},
)

// DispatchDuration measures a dispatch from dequeue to handler return.
// Labels:
//   - route: resolved route
//   - outcome: "ok" or "error"
var DispatchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of handler dispatches through the circuit breaker.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "outcome"},
)

// DispatchQueueDepth tracks messages waiting for a worker.
var DispatchQueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Current number of inbound messages waiting for a dispatcher worker.",
	},
)

// ── Circuit breaker metrics ──────────────────────────────────────────────────

// BreakerState encodes the position as 0 closed, 1 half-open, 2 open.
var BreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker position: 0 closed, 1 half-open, 2 open.",
	},
	[]string{"breaker"},
)

// BreakerTransitionsTotal counts state changes.
var BreakerTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions.",
	},
	[]string{"breaker", "from", "to"},
)

// BreakerRejectedTotal counts calls refused while open.
var BreakerRejectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "rejected_total",
		Help:      "Calls rejected without running because the breaker was open.",
	},
	[]string{"breaker"},
)

// BreakerTimeoutsTotal counts calls abandoned after the per-call timeout.
var BreakerTimeoutsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "timeouts_total",
		Help:      "Calls abandoned after exceeding the per-call timeout.",
	},
	[]string{"breaker"},
)
