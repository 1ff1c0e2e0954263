// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the interception broker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values shared by callers.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusSuccess  = "success"
	StatusError    = "error"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	registry *prometheus.Registry

	// Control channel metrics
	ControlConnections *prometheus.CounterVec
	ActiveConnections  prometheus.Gauge
	FrameSize          *prometheus.HistogramVec
	ControlErrors      *prometheus.CounterVec

	// Decision metrics
	PendingRequests  prometheus.Gauge
	Decisions        *prometheus.CounterVec
	DecisionLatency  *prometheus.HistogramVec
	DecisionFailures *prometheus.CounterVec

	// History metrics
	HistoryEntries prometheus.Counter
	HistoryMatches *prometheus.CounterVec

	// Engine channel metrics
	EnginePushes        *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// Operator surface
	InterceptEnabled prometheus.Gauge
	BlockedDomains   prometheus.Gauge
	GatewayClients   prometheus.Gauge
}

// New creates a Metrics instance on its own registry. The registry also
// carries the Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "intercept"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ControlConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_connections_total",
				Help:      "Total number of control connections by accept status",
			},
			[]string{"status"},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "control_active_connections",
				Help:      "Number of open control connections",
			},
		),
		FrameSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_size_bytes",
				Help:      "Size of the initial control payload in bytes",
				Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536},
			},
			[]string{"type"},
		),
		ControlErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_errors_total",
				Help:      "Total number of control connection errors",
			},
			[]string{"error_type"},
		),
		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Number of messages awaiting an operator decision",
			},
		),
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of operator decisions",
			},
			[]string{"action", "status"},
		),
		DecisionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_latency_seconds",
				Help:      "Time from arrival to decision in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"action"},
		),
		DecisionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decision_failures_total",
				Help:      "Total number of pending messages lost before or during a decision",
			},
			[]string{"reason"},
		),
		HistoryEntries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_entries_total",
				Help:      "Total number of requests recorded in history",
			},
		),
		HistoryMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_responses_total",
				Help:      "Total number of responses by correlation result",
			},
			[]string{"result"},
		),
		EnginePushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_pushes_total",
				Help:      "Total number of pushes to the interception engine",
			},
			[]string{"channel", "status"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"channel"},
		),
		InterceptEnabled: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "intercept_enabled",
				Help:      "Whether interception is enabled (1) or disabled (0)",
			},
		),
		BlockedDomains: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocked_domains",
				Help:      "Number of blocked domains",
			},
		),
		GatewayClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gateway_clients",
				Help:      "Number of connected UI clients",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDecision records the outcome of a decision on a message that
// arrived at received.
func (m *Metrics) ObserveDecision(action string, received time.Time, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.Decisions.WithLabelValues(action, status).Inc()
	if err == nil && !received.IsZero() {
		m.DecisionLatency.WithLabelValues(action).Observe(time.Since(received).Seconds())
	}
}

// ObservePush records a push on an engine channel.
func (m *Metrics) ObservePush(channel string, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.EnginePushes.WithLabelValues(channel, status).Inc()
}

// SetBool sets a gauge to 1 or 0.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
