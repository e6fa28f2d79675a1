// Package metrics exposes the client's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "brokerkit"

// Outcome labels
const (
	OutcomeAck     = "ack"
	OutcomeRequeue = "requeue"
	OutcomeReject  = "reject"

	OutcomeSuccess            = "success"
	OutcomeTimeout            = "timeout"
	OutcomeInvalidResponse    = "invalid_response"
	OutcomePublishFailed      = "publish_failed"
	OutcomeChannelUnavailable = "channel_unavailable"
	OutcomeClosed             = "closed"
	OutcomeError              = "error"
)

// Metrics groups the client collectors.
type Metrics struct {
	connectionUp      prometheus.Gauge
	reconnectAttempts prometheus.Counter
	published         *prometheus.CounterVec
	consumed          *prometheus.CounterVec
	rpcCalls          *prometheus.CounterVec
	rpcPending        prometheus.Gauge
	rpcLatency        prometheus.Histogram
}

// New registers the collectors with reg. A nil reg returns nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &Metrics{
		connectionUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "Whether the broker connection is established (1) or not (0).",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made by the connection supervisor.",
		}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published, by exchange and outcome.",
		}, []string{"exchange", "outcome"}),
		consumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Deliveries settled by subscribers and workers, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		rpcCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Completed RPC calls, by outcome.",
		}, []string{"outcome"}),
		rpcPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "pending_calls",
			Help:      "RPC calls awaiting a reply.",
		}),
		rpcLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from request to completion of RPC calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// SetConnected records the connection state.
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectionUp.Set(1)
		return
	}
	m.connectionUp.Set(0)
}

// ReconnectAttempt counts one reconnect attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// Published counts one publish.
func (m *Metrics) Published(exchange string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.published.WithLabelValues(exchange, outcome).Inc()
}

// Consumed counts one settled delivery.
func (m *Metrics) Consumed(queue, outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(queue, outcome).Inc()
}

// RPCCompleted records the outcome and latency of an RPC call.
func (m *Metrics) RPCCompleted(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(outcome).Inc()
	m.rpcLatency.Observe(latency.Seconds())
}

// SetPendingRPCs records the size of the pending-call table.
func (m *Metrics) SetPendingRPCs(n int) {
	if m == nil {
		return
	}
	m.rpcPending.Set(float64(n))
}
