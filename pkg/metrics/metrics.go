package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TriggersFired counts trigger jobs published by the monitor, by trigger side
var TriggersFired = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autoclose_triggers_fired_total",
		Help: "Total number of close orders whose trigger condition was met",
	},
	[]string{"side"},
)

// ActiveSubscribers tracks live price subscribers held by the monitor
var ActiveSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "autoclose_active_subscribers",
		Help: "Number of live pool price subscribers",
	},
)

// Executor outcome metrics
var (
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoclose_executions_total",
			Help: "Execution attempts by result (executed, retry, suspended, dropped)",
		},
		[]string{"result"},
	)

	ExecutionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoclose_execution_failures_total",
			Help: "Execution step failures by failure kind",
		},
		[]string{"kind"},
	)

	ExecutionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoclose_execution_duration_seconds",
			Help:    "Time from job delivery to terminal outcome of one attempt",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

// BrokerOutcomes counts handler outcomes applied by job consumers
var BrokerOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autoclose_broker_outcomes_total",
		Help: "Broker message outcomes by topic and outcome",
	},
	[]string{"topic", "outcome"},
)

// BrokerBreakerOpen is 1 while kafka publishes are short-circuited
var BrokerBreakerOpen = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "autoclose_broker_breaker_open",
		Help: "Whether the kafka publish breaker is open or probing",
	},
)

func init() {
	prometheus.MustRegister(TriggersFired, ActiveSubscribers)
	prometheus.MustRegister(ExecutionsTotal, ExecutionFailures, ExecutionLatency)
	prometheus.MustRegister(BrokerOutcomes, BrokerBreakerOpen)
}
