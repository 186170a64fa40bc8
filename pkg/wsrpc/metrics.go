package wsrpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FrameworkMetrics is the set of Prometheus collectors an Engine, Service,
// and ServiceProxy report against. It's constructed once per process (or
// once per test, via NewFrameworkMetrics(prometheus.NewRegistry())) and
// shared across every Engine built with WithMetrics.
type FrameworkMetrics struct {
	envelopesSent     prometheus.Counter
	envelopesReceived prometheus.Counter
	sendErrors        prometheus.Counter
	dispatchErrors    prometheus.Counter
	dispatchLatency   prometheus.Histogram

	sessionsByClass    *prometheus.GaugeVec
	pendingCallTimeout prometheus.Counter

	proxyReconnectAttempts prometheus.Counter
	proxyReconnectFailures prometheus.Counter
	proxyBackoffSeconds    prometheus.Histogram
}

// NewFrameworkMetrics registers every collector against reg and returns the
// bundle. Pass prometheus.DefaultRegisterer for the process-wide metrics a
// /metrics endpoint serves, or a fresh prometheus.NewRegistry() per test to
// avoid "duplicate metrics collector registration" panics across runs.
func NewFrameworkMetrics(reg prometheus.Registerer) *FrameworkMetrics {
	factory := promauto.With(reg)

	return &FrameworkMetrics{
		envelopesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsrpc_envelopes_sent_total",
			Help: "Total number of envelopes written to a session's transport.",
		}),
		envelopesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsrpc_envelopes_received_total",
			Help: "Total number of envelopes read off a session's transport.",
		}),
		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsrpc_send_errors_total",
			Help: "Total number of envelope writes that failed.",
		}),
		dispatchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsrpc_dispatch_errors_total",
			Help: "Total number of inbound requests that produced an ERROR reply.",
		}),
		dispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsrpc_dispatch_latency_seconds",
			Help:    "Time spent inside a handler, from invocation to its return.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		sessionsByClass: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wsrpc_sessions_active",
			Help: "Currently open sessions, by the service class identifier that accepted them.",
		}, []string{"class"}),
		pendingCallTimeout: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsrpc_pending_call_timeouts_total",
			Help: "Total number of outstanding calls that were completed by their own timeout rather than a reply.",
		}),
		proxyReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsrpc_proxy_reconnect_attempts_total",
			Help: "Total number of dial attempts made by service proxies recovering a dropped session.",
		}),
		proxyReconnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsrpc_proxy_reconnect_failures_total",
			Help: "Total number of service proxy dial attempts that failed.",
		}),
		proxyBackoffSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsrpc_proxy_backoff_seconds",
			Help:    "Backoff delay a service proxy slept before its next reconnect attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
	}
}

// SetSessionsActive reports the current count of open sessions for class.
func (m *FrameworkMetrics) SetSessionsActive(class string, count int) {
	m.sessionsByClass.WithLabelValues(class).Set(float64(count))
}

// RecordPendingCallTimeout increments the timeout counter. Nothing in this
// package calls it: SendRequest does not report its timeouts here, so the
// counter only moves when a host calls this method itself.
func (m *FrameworkMetrics) RecordPendingCallTimeout() {
	m.pendingCallTimeout.Inc()
}

// RecordProxyReconnectAttempt records one dial attempt and, if it failed,
// also increments the failure counter.
func (m *FrameworkMetrics) RecordProxyReconnectAttempt(err error) {
	m.proxyReconnectAttempts.Inc()
	if err != nil {
		m.proxyReconnectFailures.Inc()
	}
}

// RecordProxyBackoff observes the delay, in seconds, a proxy slept before
// its next reconnect attempt.
func (m *FrameworkMetrics) RecordProxyBackoff(seconds float64) {
	m.proxyBackoffSeconds.Observe(seconds)
}
