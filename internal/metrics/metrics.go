// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voip_notify"

var (
	// GatewayRequests counts provider calls. Labels: op (sms, call), outcome (ok, transient, fatal).
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Outbound provider requests by operation and outcome",
	}, []string{"op", "outcome"})

	// Callbacks counts provider callbacks. Labels: event, applied (true, false).
	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "callsession",
		Name:      "callbacks_total",
		Help:      "Provider callbacks received, split by whether they changed state",
	}, []string{"event", "applied"})

	// CampaignAttempts counts wake-up call attempts by outcome.
	CampaignAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "campaign",
		Name:      "attempts_total",
		Help:      "Wake-up call attempts by outcome",
	}, []string{"outcome"})

	// CampaignsFinished counts campaigns by terminal state.
	CampaignsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "campaign",
		Name:      "finished_total",
		Help:      "Wake-up campaigns by terminal state",
	}, []string{"state"})

	ActiveCampaigns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "campaign",
		Name:      "active",
		Help:      "Wake-up campaigns currently running in this process",
	})

	// Dispatches counts reminder deliveries. Labels: channel, result (ok, retry, failed).
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "dispatches_total",
		Help:      "Reminder dispatches by channel and result",
	}, []string{"channel", "result"})

	GeneratorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "conversation",
		Name:      "generator_seconds",
		Help:      "Response generator latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"status"})

	// HTTPRequests counts API and webhook requests. Labels: route, code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status code",
	}, []string{"route", "code"})
)

func RecordGenerator(start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	GeneratorLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}
