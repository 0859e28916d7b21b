package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/chutney/pkg/schema"
)

var (
	initOnce sync.Once

	executionsTotalCounter     *prometheus.CounterVec
	executionDurationMetric    prometheus.Histogram
	activeExecutionsGauge      prometheus.Gauge
	stepsTotalCounter          *prometheus.CounterVec
	stepDurationMetric         *prometheus.HistogramVec
	stepRetriesCounter         prometheus.Counter
	delegationsTotalCounter    *prometheus.CounterVec
	finallyActionsTotalCounter *prometheus.CounterVec
	networkBuildsTotalCounter  *prometheus.CounterVec
	droppedEventsCounter       prometheus.Counter
)

var terminalStatuses = []schema.Status{
	schema.StatusSuccess,
	schema.StatusFailure,
	schema.StatusStopped,
}

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		executionsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chutney_executions_total",
				Help: "Total number of finished scenario executions by status.",
			},
			[]string{"status"},
		)

		executionDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chutney_execution_duration_seconds",
				Help:    "Duration of scenario executions in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		activeExecutionsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chutney_active_executions",
				Help: "Number of scenario executions currently running.",
			},
		)

		stepsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chutney_steps_total",
				Help: "Total number of executed steps by status.",
			},
			[]string{"status"},
		)

		stepDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chutney_step_duration_seconds",
				Help:    "Duration of step actions in seconds by action type.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		)

		stepRetriesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chutney_step_retries_total",
				Help: "Total number of retried step attempts.",
			},
		)

		delegationsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chutney_delegations_total",
				Help: "Total number of step calls forwarded to a remote agent by agent and result.",
			},
			[]string{"agent", "result"},
		)

		finallyActionsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chutney_finally_actions_total",
				Help: "Total number of drained finally actions by status.",
			},
			[]string{"status"},
		)

		networkBuildsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chutney_network_builds_total",
				Help: "Total number of agent network configurations by result.",
			},
			[]string{"result"},
		)

		droppedEventsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chutney_event_recorder_dropped_total",
				Help: "Total number of bus events the recorder failed to persist.",
			},
		)

		prometheus.MustRegister(
			executionsTotalCounter,
			executionDurationMetric,
			activeExecutionsGauge,
			stepsTotalCounter,
			stepDurationMetric,
			stepRetriesCounter,
			delegationsTotalCounter,
			finallyActionsTotalCounter,
			networkBuildsTotalCounter,
			droppedEventsCounter,
		)

		// Make status series visible at /metrics before the first increment.
		for _, status := range terminalStatuses {
			executionsTotalCounter.WithLabelValues(string(status))
			stepsTotalCounter.WithLabelValues(string(status))
			finallyActionsTotalCounter.WithLabelValues(string(status))
		}
	})
}

func ExecutionStarted() {
	Init()
	activeExecutionsGauge.Inc()
}

func ExecutionFinished(status schema.Status, d time.Duration) {
	Init()
	activeExecutionsGauge.Dec()
	executionsTotalCounter.WithLabelValues(string(status)).Inc()
	executionDurationMetric.Observe(d.Seconds())
}

func ObserveStep(actionType string, status schema.Status, d time.Duration) {
	Init()
	stepsTotalCounter.WithLabelValues(string(status)).Inc()
	stepDurationMetric.WithLabelValues(actionType).Observe(d.Seconds())
}

func IncStepRetries() {
	Init()
	stepRetriesCounter.Inc()
}

func IncDelegation(agent string, ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	delegationsTotalCounter.WithLabelValues(agent, result).Inc()
}

func IncFinallyAction(status schema.Status) {
	Init()
	finallyActionsTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncNetworkBuild(ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	networkBuildsTotalCounter.WithLabelValues(result).Inc()
}

func IncRecorderDropped() {
	Init()
	droppedEventsCounter.Inc()
}
