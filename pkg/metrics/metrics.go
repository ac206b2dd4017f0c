// Package metrics holds the prometheus counters updated by the façade.
// They are registered with the default registry on import.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "couchlike"

	MetricOperations      = "operations_total"
	MetricOperationErrors = "operation_errors_total"
	MetricHeartbeats = "heartbeats_total"
	MetricFeedEvents      = "feed_events_total"
	MetricDesignDocWrites = "design_doc_writes_total"
)

var CounterOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricOperations,
		Help:      "Operations dispatched to a backend engine.",
	},
	[]string{
		"engine",
		"op",
	},
)

var CounterOperationErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricOperationErrors,
		Help:      "Operations that returned an error, not-found excluded.",
	},
	[]string{
		"engine",
		"op",
	},
)

var CounterHeartbeats = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricHeartbeats,
		Help:      "Heartbeat requests issued by the capability resolver.",
	},
	[]string{
		"result",
	},
)

var CounterFeedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricFeedEvents,
		Help:      "Change feed events delivered to subscribers.",
	},
	[]string{
		"kind",
	},
)

var CounterDesignDocWrites = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricDesignDocWrites,
		Help:      "Design documents written by the view synchronizer.",
	},
)

func init() {
	prometheus.MustRegister(CounterOperations)
	prometheus.MustRegister(CounterOperationErrors)
	prometheus.MustRegister(CounterHeartbeats)
	prometheus.MustRegister(CounterFeedEvents)
	prometheus.MustRegister(CounterDesignDocWrites)
}

// Observe counts one operation on engine and, when err is non-nil, one error.
func Observe(engine, op string, err error) {
	CounterOperations.WithLabelValues(engine, op).Inc()
	if err != nil {
		CounterOperationErrors.WithLabelValues(engine, op).Inc()
	}
}
