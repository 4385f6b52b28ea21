// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for hivegate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Connection metrics
	ActiveConnections *prometheus.GaugeVec
	TotalConnections  *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec

	// Handshake metrics
	HandshakesByDialect *prometheus.CounterVec
	HandshakeFailures   *prometheus.CounterVec
	UpgradedHandshakes  prometheus.Counter

	// Relay metrics
	BytesRelayed *prometheus.CounterVec

	// Backend metrics
	BackendDialFailures prometheus.Counter

	// Admission metrics
	ThrottledConnections prometheus.Counter
}

// New creates a Metrics instance registered with the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "hivegate"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active client connections",
			},
			[]string{"transport"},
		),
		TotalConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted client connections",
			},
			[]string{"transport", "status"},
		),
		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration from accept to teardown",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"transport"},
		),
		HandshakesByDialect: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total number of classified CONNECT handshakes",
			},
			[]string{"dialect"},
		),
		HandshakeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_failures_total",
				Help:      "Total number of rejected handshakes by error kind",
			},
			[]string{"reason"},
		),
		UpgradedHandshakes: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upgraded_handshakes_total",
				Help:      "Total number of MQTT 3.1 handshakes rewritten to 3.1.1",
			},
		),
		BytesRelayed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_relayed_total",
				Help:      "Total bytes relayed after the handshake, per direction",
			},
			[]string{"direction"},
		),
		BackendDialFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_dial_failures_total",
				Help:      "Total number of failed dials to the backend broker",
			},
		),
		ThrottledConnections: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttled_connections_total",
				Help:      "Total number of connections closed by admission throttling",
			},
		),
	}
}

// ObserveSession tracks one session from accept to teardown.
func (m *Metrics) ObserveSession(transport string, f func() error) error {
	m.ActiveConnections.WithLabelValues(transport).Inc()
	defer m.ActiveConnections.WithLabelValues(transport).Dec()

	start := time.Now()
	defer func() {
		m.SessionDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(transport, status).Inc()

	return err
}
