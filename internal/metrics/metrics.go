package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SignalsIngested  prometheus.Counter
	SignalsMalformed prometheus.Counter
	TriggersReleased prometheus.Counter
	TriggersDropped  prometheus.Counter
	Executions       *prometheus.CounterVec
	ActionRetries    prometheus.Counter
	Observations     prometheus.Counter
	RunningPlans     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SignalsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healing_signals_ingested_total",
			Help: "Raw signals accepted by the trigger aggregator.",
		}),
		SignalsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healing_signals_malformed_total",
			Help: "Raw signals dropped because they failed shape validation.",
		}),
		TriggersReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healing_trigger_events_released_total",
			Help: "Trigger events released to the rule engine.",
		}),
		TriggersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healing_trigger_events_dropped_total",
			Help: "Trigger events dropped under back-pressure.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healing_executions_total",
			Help: "Execution records by terminal status.",
		}, []string{"status"}),
		ActionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healing_action_retries_total",
			Help: "Action dispatch retries after transient failures.",
		}),
		Observations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healing_effectiveness_observations_total",
			Help: "Post-execution effectiveness observations processed.",
		}),
		RunningPlans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "healing_running_plans",
			Help: "Plans currently executing.",
		}),
	}
	m.registry.MustRegister(
		m.SignalsIngested, m.SignalsMalformed,
		m.TriggersReleased, m.TriggersDropped,
		m.Executions, m.ActionRetries, m.Observations, m.RunningPlans,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
