// ABOUTME: Prometheus counters and gauges for sends, the offline queue, listeners, and audits
// ABOUTME: Nil-safe methods so components can run without metrics in tests

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "supportsync"

// Metrics is the set of collectors. The zero value is not usable; use New.
type Metrics struct {
	sendAttempts     prometheus.Counter
	sends            *prometheus.CounterVec
	rateLimited      prometheus.Counter
	queueDepth       prometheus.Gauge
	listenerErrors   prometheus.Counter
	audits           *prometheus.CounterVec
	endpointRequests *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sendAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Network write attempts for outbound messages, retries included.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound messages by final result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Actions rejected by the sliding-window limiter.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_depth",
			Help:      "Messages waiting in the offline queue.",
		}),
		listenerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_errors_total",
			Help:      "Snapshot subscriptions that failed.",
		}),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit entries written by action.",
		}, []string{"action"}),
		endpointRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_requests_total",
			Help:      "Send endpoint requests by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.sendAttempts,
		m.sends,
		m.rateLimited,
		m.queueDepth,
		m.listenerErrors,
		m.audits,
		m.endpointRequests,
	)
	return m
}

// Handler serves g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SendAttempt counts one network write attempt.
func (m *Metrics) SendAttempt() {
	if m == nil {
		return
	}
	m.sendAttempts.Inc()
}

// SendResult counts a finished send. result is "success" or "failed".
func (m *Metrics) SendResult(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

// RateLimited counts a limiter rejection.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// SetQueueDepth reports the offline queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ListenerError counts a failed subscription.
func (m *Metrics) ListenerError() {
	if m == nil {
		return
	}
	m.listenerErrors.Inc()
}

// Audit counts an audit entry.
func (m *Metrics) Audit(action string) {
	if m == nil {
		return
	}
	m.audits.WithLabelValues(action).Inc()
}

// EndpointRequest counts a send endpoint request by outcome.
func (m *Metrics) EndpointRequest(outcome string) {
	if m == nil {
		return
	}
	m.endpointRequests.WithLabelValues(outcome).Inc()
}
