package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_attempts_total",
		Help:      "Agent dispatch attempts, including retries.",
	}, []string{"agent"})

	dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Wall time of a dispatch from first attempt to outcome.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"agent", "outcome"})

	taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_outcomes_total",
		Help:      "Terminal agent task states.",
	}, []string{"agent", "status"})

	requestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_outcomes_total",
		Help:      "Final overall status of analysis requests.",
	}, []string{"status"})

	requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "requests_in_flight",
		Help:      "Analysis workflows currently running.",
	})

	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery outcomes.",
	}, []string{"state"})

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})
)

func init() {
	registry.MustRegister(
		dispatchAttempts,
		dispatchDuration,
		taskOutcomes,
		requestOutcomes,
		requestsInFlight,
		webhookDeliveries,
		rateLimited,
	)
}

// ObserveDispatchAttempt counts one outbound call to an agent.
func ObserveDispatchAttempt(agent string) {
	dispatchAttempts.WithLabelValues(agent).Inc()
}

// ObserveDispatch records the outcome of a whole dispatch.
func ObserveDispatch(agent, outcome string, duration time.Duration) {
	dispatchDuration.WithLabelValues(agent, outcome).Observe(duration.Seconds())
}

// ObserveTask records a terminal task state.
func ObserveTask(agent, status string) {
	taskOutcomes.WithLabelValues(agent, status).Inc()
}

// ObserveRequest records a finalized request.
func ObserveRequest(status string) {
	requestOutcomes.WithLabelValues(status).Inc()
}

// WorkflowStarted and WorkflowFinished track running workflows.
func WorkflowStarted()  { requestsInFlight.Inc() }
func WorkflowFinished() { requestsInFlight.Dec() }

// ObserveWebhookDelivery records a delivery reaching a final state.
func ObserveWebhookDelivery(state string) {
	webhookDeliveries.WithLabelValues(state).Inc()
}

// ObserveRateLimited counts a rejected request.
func ObserveRateLimited() {
	rateLimited.Inc()
}
