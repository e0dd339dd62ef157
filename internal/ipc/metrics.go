package ipc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors shared by every endpoint built
// with WithMetrics. A nil *Metrics records nothing.
type Metrics struct {
	received       *prometheus.CounterVec
	dispatched     *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	callbackErrors *prometheus.CounterVec
	published      *prometheus.CounterVec
	dispatchTime   *prometheus.HistogramVec
	openEndpoints  *prometheus.GaugeVec
}

// NewMetrics registers the ipc collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipc",
			Name:      "messages_received_total",
			Help:      "Messages taken off the transport by subscribers.",
		}, []string{"address"}),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipc",
			Name:      "requests_dispatched_total",
			Help:      "Requests handed to a subscriber callback.",
		}, []string{"address", "action"}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipc",
			Name:      "decode_errors_total",
			Help:      "Payloads that could not be decoded into a request.",
		}, []string{"address"}),
		callbackErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipc",
			Name:      "callback_errors_total",
			Help:      "Callbacks that returned an error or panicked.",
		}, []string{"address", "action"}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipc",
			Name:      "requests_published_total",
			Help:      "Requests sent by publishers.",
		}, []string{"address", "topic"}),
		dispatchTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ipc",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent inside subscriber callbacks.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"action"}),
		openEndpoints: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ipc",
			Name:      "open_endpoints",
			Help:      "Endpoints currently holding a transport.",
		}, []string{"pattern", "role"}),
	}
}

func (m *Metrics) endpointOpened(e *Endpoint) {
	if m == nil {
		return
	}
	m.openEndpoints.WithLabelValues(e.pattern.String(), e.role.String()).Inc()
}

func (m *Metrics) endpointClosed(e *Endpoint) {
	if m == nil {
		return
	}
	m.openEndpoints.WithLabelValues(e.pattern.String(), e.role.String()).Dec()
}

func (m *Metrics) messageReceived(address string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(address).Inc()
}

func (m *Metrics) decodeFailed(address string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(address).Inc()
}

func (m *Metrics) dispatchedRequest(address, action string, took time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(address, action).Inc()
	m.dispatchTime.WithLabelValues(action).Observe(took.Seconds())
	if failed {
		m.callbackErrors.WithLabelValues(address, action).Inc()
	}
}

func (m *Metrics) publishedRequest(address, topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(address, topic).Inc()
}
