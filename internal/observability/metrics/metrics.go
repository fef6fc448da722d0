package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the counters the core services report into.
type Metrics struct {
	consumes      *prometheus.CounterVec
	jobStates     *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	evalDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		consumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lingora_entitlement_consume_total",
			Help: "Entitlement consume attempts by category and outcome.",
		}, []string{"category", "outcome"}),
		jobStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lingora_evaluation_job_transitions_total",
			Help: "Evaluation job state transitions.",
		}, []string{"state"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lingora_webhook_events_total",
			Help: "Webhook events by processing result.",
		}, []string{"result"}),
		evalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lingora_evaluation_duration_seconds",
			Help:    "External evaluator call duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"module"}),
	}

	// Re-registration happens when tests build several instances; keep the
	// first registered collector in that case.
	for _, c := range []prometheus.Collector{m.consumes, m.jobStates, m.webhookEvents, m.evalDuration} {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
	return m
}

func (m *Metrics) IncConsume(category, outcome string) {
	if m == nil {
		return
	}
	m.consumes.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) IncJobTransition(state string) {
	if m == nil {
		return
	}
	m.jobStates.WithLabelValues(state).Inc()
}

func (m *Metrics) IncWebhookEvent(result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveEvaluation(module string, seconds float64) {
	if m == nil {
		return
	}
	m.evalDuration.WithLabelValues(module).Observe(seconds)
}
