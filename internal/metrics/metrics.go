// Package metrics holds the Prometheus collectors of the relay. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the relay components.
type Metrics struct {
	MessagesPersisted prometheus.Counter
	EventsDelivered   *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	RequestFailures   *prometheus.CounterVec
	PresenceOnline    prometheus.Gauge
	LiveConnections   prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "messages_persisted_total",
			Help:      "Messages appended to the store.",
		}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "events_delivered_total",
			Help:      "Live events handed to a connection queue.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "events_dropped_total",
			Help:      "Live events not delivered, by reason.",
		}, []string{"type", "reason"}),
		RequestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "request_failures_total",
			Help:      "Failed relay operations, by error code.",
		}, []string{"op", "code"}),
		PresenceOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "presence_online",
			Help:      "Users with a registered live connection.",
		}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "live_connections",
			Help:      "Open WebSocket and gRPC live streams.",
		}),
	}
	reg.MustRegister(
		m.MessagesPersisted,
		m.EventsDelivered,
		m.EventsDropped,
		m.RequestFailures,
		m.PresenceOnline,
		m.LiveConnections,
	)
	return m
}

func (m *Metrics) MessagePersisted() {
	if m == nil {
		return
	}
	m.MessagesPersisted.Inc()
}

func (m *Metrics) Delivered(eventType string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Dropped(eventType, reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(eventType, reason).Inc()
}

func (m *Metrics) Failed(op, code string) {
	if m == nil {
		return
	}
	m.RequestFailures.WithLabelValues(op, code).Inc()
}

func (m *Metrics) SetOnline(n int) {
	if m == nil {
		return
	}
	m.PresenceOnline.Set(float64(n))
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.LiveConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.LiveConnections.Dec()
}
