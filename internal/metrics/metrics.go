// Package metrics exposes Prometheus counters for the chat gateway. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Message kinds and error kinds used as label values.
const (
	KindPersonal    = "personal"
	KindGroup       = "group"
	KindValidation  = "validation"
	KindPersistence = "persistence"
)

// Recorder holds the registered collectors.
type Recorder struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesRouted    *prometheus.CounterVec
	messageErrors     *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors, which is handy in tests.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of authenticated WebSocket connections currently serving.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total number of authenticated WebSocket connections.",
		}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_routed_total",
			Help: "Chat messages persisted and fanned out, by conversation kind.",
		}, []string{"kind"}),
		messageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_message_errors_total",
			Help: "Chat messages rejected, by error kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_deliveries_total",
			Help: "Per-recipient envelope sends, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(r.connectionsActive, r.connectionsTotal, r.messagesRouted, r.messageErrors, r.deliveries)
	}
	return r
}

func (r *Recorder) ConnectionOpened() {
	if r == nil {
		return
	}
	r.connectionsActive.Inc()
	r.connectionsTotal.Inc()
}

func (r *Recorder) ConnectionClosed() {
	if r == nil {
		return
	}
	r.connectionsActive.Dec()
}

func (r *Recorder) MessageRouted(kind string) {
	if r == nil {
		return
	}
	r.messagesRouted.WithLabelValues(kind).Inc()
}

func (r *Recorder) MessageFailed(kind string) {
	if r == nil {
		return
	}
	r.messageErrors.WithLabelValues(kind).Inc()
}

// Delivery counts one send attempt.
func (r *Recorder) Delivery(ok bool) {
	if r == nil {
		return
	}
	result := "dropped"
	if ok {
		result = "delivered"
	}
	r.deliveries.WithLabelValues(result).Inc()
}
