// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package sidecar

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are process-local, in-memory counters: a Prometheus side for `/metrics` scraping, and a
// plain atomic side the __health__ pseudo-service reads directly without going through a
// collector (§4.8). Neither is written to disk, keeping the sidecar free of persistent audit
// storage.
type metrics struct {
	Registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	redactionsTotal prometheus.Counter
	framesRejected  prometheus.Counter

	requests      atomic.Int64
	requests5xx   atomic.Int64
	redactions    atomic.Int64
	framesDropped atomic.Int64
}

// newMetrics builds a private Prometheus registry, one per Sidecar instance, so repeated New()
// calls (e.g. across tests, or a supervised restart in the same process) never collide on
// prometheus.DefaultRegisterer's global collector names.
func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		Registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyhole_requests_total",
			Help: "Proxied requests, by outcome class (2xx/4xx/5xx).",
		}, []string{"class"}),
		redactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "keyhole_redactions_total",
			Help: "Responses where at least one redaction layer fired.",
		}),
		framesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "keyhole_ipc_frames_rejected_total",
			Help: "IPC frames rejected for bad auth, malformed JSON, or oversize.",
		}),
	}
}

func classOf(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// observeRequest records one completed (or failed) proxied request.
func (m *metrics) observeRequest(status int, redacted bool) {
	m.requestsTotal.WithLabelValues(classOf(status)).Inc()
	m.requests.Add(1)
	if status >= 500 {
		m.requests5xx.Add(1)
	}
	if redacted {
		m.redactionsTotal.Inc()
		m.redactions.Add(1)
	}
}

// observeFrameRejected records one IPC frame dropped for bad auth, malformed JSON, or oversize.
// Wired to [ipc.Server]'s OnAuthFailure/OnMalformed/OnConnError callbacks.
func (m *metrics) observeFrameRejected() {
	m.framesRejected.Inc()
	m.framesDropped.Add(1)
}

// snapshot is the counter view rendered into the __health__ body.
type snapshot struct {
	RequestsTotal       int64 `json:"requests_total"`
	Requests5xx         int64 `json:"requests_5xx"`
	RedactionsTotal     int64 `json:"redactions_total"`
	FramesRejectedTotal int64 `json:"frames_rejected_total"`
}

func (m *metrics) snapshot() snapshot {
	return snapshot{
		RequestsTotal:       m.requests.Load(),
		Requests5xx:         m.requests5xx.Load(),
		RedactionsTotal:     m.redactions.Load(),
		FramesRejectedTotal: m.framesDropped.Load(),
	}
}
