package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.MessagePersisted()
	m.MessagePersisted()
	m.Delivered("receive-message")
	m.Dropped("receive-message", "offline")
	m.Failed("send", "validation")
	m.SetOnline(3)
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesPersisted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDelivered.WithLabelValues("receive-message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("receive-message", "offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestFailures.WithLabelValues("send", "validation")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PresenceOnline))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveConnections))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessagePersisted()
		m.Delivered("x")
		m.Dropped("x", "y")
		m.Failed("x", "y")
		m.SetOnline(1)
		m.ConnOpened()
		m.ConnClosed()
	})
}
