// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// prometheus.go - Prometheus instrumentation.

// Package instrument holds the host's prometheus metrics.
package instrument

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var (
	handshakeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circlehost_handshake_messages_total",
			Help: "Number of connection handshake messages by step and outcome",
		},
		[]string{"step", "outcome"},
	)
	handshakeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circlehost_handshake_retries_total",
			Help: "Number of handshake deliveries retried after invalidating a public key",
		},
	)
	outboxEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circlehost_outbox_enqueued_total",
			Help: "Number of outbox items enqueued",
		},
	)
	outboxResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circlehost_outbox_results_total",
			Help: "Number of outbox delivery results by action and status",
		},
		[]string{"action", "status"},
	)
	outboxBatchDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "circlehost_outbox_batch_duration_seconds",
			Help: "Time taken to deliver one outbox batch",
		},
	)
	transferRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circlehost_transfer_retries_total",
			Help: "Number of file deliveries retried after invalidating a public key",
		},
	)
	inboundFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circlehost_transfer_inbound_total",
			Help: "Number of files received from peers by response code",
		},
		[]string{"code"},
	)
	awaitingTransferKey = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circlehost_outbox_awaiting_transfer_key_total",
			Help: "Number of recipients deferred until a transfer key is available",
		},
	)
)

func init() {
	prometheus.MustRegister(handshakeMessages)
	prometheus.MustRegister(handshakeRetries)
	prometheus.MustRegister(outboxEnqueued)
	prometheus.MustRegister(outboxResults)
	prometheus.MustRegister(outboxBatchDuration)
	prometheus.MustRegister(transferRetries)
	prometheus.MustRegister(inboundFiles)
	prometheus.MustRegister(awaitingTransferKey)
}

// StartPrometheusListener serves /metrics on address until the returned
// server is shut down.
func StartPrometheusListener(address string, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus listener failed: %v", err)
		}
	}()
	return srv
}

// HandshakeMessage counts one handshake step outcome.
func HandshakeMessage(step, outcome string) {
	handshakeMessages.With(prometheus.Labels{"step": step, "outcome": outcome}).Inc()
}

// HandshakeRetry counts a delivery retried after key invalidation.
func HandshakeRetry() {
	handshakeRetries.Inc()
}

// OutboxEnqueued counts new outbox items.
func OutboxEnqueued(n int) {
	outboxEnqueued.Add(float64(n))
}

// OutboxResult counts what was done with an outbox item.
func OutboxResult(action, status string) {
	outboxResults.With(prometheus.Labels{"action": action, "status": status}).Inc()
}

// OutboxBatch observes the duration of one batch.
func OutboxBatch(d time.Duration) {
	outboxBatchDuration.Observe(d.Seconds())
}

// AwaitingTransferKey counts deferred recipients.
func AwaitingTransferKey() {
	awaitingTransferKey.Inc()
}

// TransferRetry counts a file delivery retried after key invalidation.
func TransferRetry() {
	transferRetries.Inc()
}

// InboundFile counts a file received from a peer.
func InboundFile(code string) {
	inboundFiles.With(prometheus.Labels{"code": code}).Inc()
}
