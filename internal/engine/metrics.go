package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Reconciliation metrics
	reconcileAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "customapp",
			Subsystem: "engine",
			Name:      "reconcile_attempts_total",
			Help:      "Total number of reconcile attempts by kind",
		},
		[]string{"kind"},
	)

	reconcileSuccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "customapp",
			Subsystem: "engine",
			Name:      "reconcile_successes_total",
			Help:      "Total number of reconcile attempts that finished without error",
		},
		[]string{"kind"},
	)

	reconcileFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "customapp",
			Subsystem: "engine",
			Name:      "reconcile_failures_total",
			Help:      "Total number of failed reconcile attempts by error class",
		},
		[]string{"kind", "class"},
	)

	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "customapp",
			Subsystem: "engine",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconcile attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"kind"},
	)

	// Action metrics
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "customapp",
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "Total number of executed actions by type and result",
		},
		[]string{"type", "result"},
	)

	// Queue and leadership
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "customapp",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Number of keys ready to be processed",
		},
	)

	leaderGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "customapp",
			Subsystem: "engine",
			Name:      "leader",
			Help:      "Whether this replica is running workers (1) or not (0)",
		},
	)

	watchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "customapp",
			Subsystem: "engine",
			Name:      "watch_events_total",
			Help:      "Total number of watch events received by kind and event type",
		},
		[]string{"kind", "type"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		reconcileAttempts,
		reconcileSuccesses,
		reconcileFailures,
		reconcileDuration,
		actionsTotal,
		queueDepth,
		leaderGauge,
		watchEvents,
	)
}

// recordReconcileMetric records one reconcile attempt. An empty class means success.
func recordReconcileMetric(kind, class string, duration float64) {
	reconcileAttempts.WithLabelValues(kind).Inc()
	reconcileDuration.WithLabelValues(kind).Observe(duration)
	if class == "" {
		reconcileSuccesses.WithLabelValues(kind).Inc()
		return
	}
	reconcileFailures.WithLabelValues(kind, class).Inc()
}

// recordActionMetric records the outcome of one executed action.
func recordActionMetric(actionType string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	actionsTotal.WithLabelValues(actionType, result).Inc()
}

func recordLeaderMetric(leading bool) {
	if leading {
		leaderGauge.Set(1)
	} else {
		leaderGauge.Set(0)
	}
}

func recordWatchEventMetric(kind, eventType string) {
	watchEvents.WithLabelValues(kind, eventType).Inc()
}

// queueMetrics feeds the work queue's depth into queue_depth and discards
// the rest.
type queueMetrics struct{}

var _ workqueue.MetricsProvider = queueMetrics{}

func (queueMetrics) NewDepthMetric(string) workqueue.GaugeMetric { return queueDepth }

func (queueMetrics) NewAddsMetric(string) workqueue.CounterMetric { return noopMetric{} }

func (queueMetrics) NewLatencyMetric(string) workqueue.HistogramMetric { return noopMetric{} }

func (queueMetrics) NewWorkDurationMetric(string) workqueue.HistogramMetric { return noopMetric{} }

func (queueMetrics) NewUnfinishedWorkSecondsMetric(string) workqueue.SettableGaugeMetric {
	return noopMetric{}
}

func (queueMetrics) NewLongestRunningProcessorSecondsMetric(string) workqueue.SettableGaugeMetric {
	return noopMetric{}
}

func (queueMetrics) NewRetriesMetric(string) workqueue.CounterMetric { return noopMetric{} }

type noopMetric struct{}

func (noopMetric) Inc()            {}
func (noopMetric) Dec()            {}
func (noopMetric) Set(float64)     {}
func (noopMetric) Observe(float64) {}
