package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/payrelay/payrelay-go/webhooks"
)

// metrics is the gateway's Prometheus instrumentation. Registered on a
// private registry so tests can build gateways without collector collisions.
type metrics struct {
	registry *prometheus.Registry

	openSessions     prometheus.GaugeFunc
	toolCallDuration *prometheus.HistogramVec
	webhookVerified  *prometheus.CounterVec
}

func newMetrics(sessionCount func() int) *metrics {
	reg := prometheus.NewRegistry()

	m := &metrics{
		registry: reg,
		openSessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "payrelay",
			Name:      "open_sessions",
			Help:      "Number of currently open sessions on this instance.",
		}, func() float64 { return float64(sessionCount()) }),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "payrelay",
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool invocations by tool and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "outcome"}),
		webhookVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payrelay",
			Name:      "webhook_verifications_total",
			Help:      "Webhook signature verification outcomes by provider.",
		}, []string{"provider", "outcome"}),
	}

	reg.MustRegister(m.openSessions, m.toolCallDuration, m.webhookVerified)
	return m
}

func (m *metrics) observeToolCall(tool string, dur time.Duration, isError bool) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	m.toolCallDuration.WithLabelValues(tool, outcome).Observe(dur.Seconds())
}

func (m *metrics) observeWebhookVerify(provider webhooks.Provider, ok bool) {
	outcome := "fail"
	if ok {
		outcome = "ok"
	}
	m.webhookVerified.WithLabelValues(string(provider), outcome).Inc()
}
