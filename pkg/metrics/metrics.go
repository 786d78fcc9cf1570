// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the out-of-process
// module binding: session lifecycle, handshake latency, reattach activity,
// and queue depth on the Proxy side.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector this binding exports.
type Metrics struct {
	// ActiveSessions is the number of live handles (Create succeeded,
	// Destroy not yet called), by side ("proxy" or "host").
	ActiveSessions *prometheus.GaugeVec

	// HandshakeDuration observes the time from the first Create send to the
	// handshake's end, across all its attempts, labelled by outcome
	// ("success" or "failure").
	HandshakeDuration *prometheus.HistogramVec

	// HandshakeFailures counts handshakes that exhausted their retries or
	// received a failing Reply.
	HandshakeFailures *prometheus.CounterVec

	// ReattachTotal counts supervisor-initiated reattach attempts.
	ReattachTotal *prometheus.CounterVec

	// QueueDepth tracks the Proxy's outgoing message queue length.
	QueueDepth *prometheus.GaugeVec

	// MessagesSent/MessagesDropped count data-channel traffic outcomes.
	MessagesSent    *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec

	// CircuitBreakerState mirrors pkg/breaker.State (0=closed,
	// 1=half_open, 2=open) for the supervisor's reattach breaker.
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// New creates a new Metrics instance with all collectors registered under
// namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "outprocess"
	}

	return &Metrics{
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of live handles.",
			},
			[]string{"side"},
		),
		HandshakeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Time from first Create send to the end of the handshake, by outcome.",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		HandshakeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_failures_total",
				Help:      "Total Create handshakes that failed or timed out.",
			},
			[]string{"reason"},
		),
		ReattachTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reattach_total",
				Help:      "Total supervisor-initiated reattach attempts.",
			},
			[]string{"outcome"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current length of the outgoing message queue.",
			},
			[]string{"session"},
		),
		MessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total data messages sent on the message channel.",
			},
			[]string{"direction"},
		),
		MessagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Total data messages dropped after a send failure.",
			},
			[]string{"direction", "reason"},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Reattach breaker state (0=closed, 1=half_open, 2=open).",
			},
			[]string{"session"},
		),
		CircuitBreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total times the reattach breaker tripped open.",
			},
			[]string{"session"},
		),
	}
}

// ObserveHandshake times fn and records the outcome against
// HandshakeDuration and HandshakeFailures.
func (m *Metrics) ObserveHandshake(fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "success"
	if err != nil {
		outcome = "failure"
		m.HandshakeFailures.WithLabelValues("handshake").Inc()
	}
	m.HandshakeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return err
}
