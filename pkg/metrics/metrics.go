// Package metrics exposes Prometheus collectors for the relay.
//
// Every method is safe to call on a nil *Relay, so components can be used
// without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wsrelay"

// Relay holds the relay's collectors.
type Relay struct {
	Clients          prometheus.Gauge
	Connections      prometheus.Counter
	HandshakeFailure prometheus.Counter
	Broadcasts       prometheus.Counter
	SendErrors       prometheus.Counter
	DecodeErrors     prometheus.Counter
	AcceptErrors     prometheus.Counter
}

// New creates the relay collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func New(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Number of clients currently registered for broadcast.",
		}),
		Connections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted by the listener.",
		}),
		HandshakeFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Connections closed before completing the opening handshake.",
		}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Messages broadcast to registered clients.",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Failed writes to a single broadcast recipient.",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		AcceptErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Errors returned by the listener's accept call.",
		}),
	}
}

// ClientJoined records a client registered for broadcast.
func (m *Relay) ClientJoined() {
	if m != nil {
		m.Clients.Inc()
	}
}

// ClientLeft records a client removed from the registry.
func (m *Relay) ClientLeft() {
	if m != nil {
		m.Clients.Dec()
	}
}

// ConnectionAccepted records a connection accepted by the listener.
func (m *Relay) ConnectionAccepted() {
	if m != nil {
		m.Connections.Inc()
	}
}

// HandshakeFailed records a connection closed before completing the
// opening handshake.
func (m *Relay) HandshakeFailed() {
	if m != nil {
		m.HandshakeFailure.Inc()
	}
}

// Broadcast records a message sent to the registered clients.
func (m *Relay) Broadcast() {
	if m != nil {
		m.Broadcasts.Inc()
	}
}

// SendFailed records a failed write to one broadcast recipient.
func (m *Relay) SendFailed() {
	if m != nil {
		m.SendErrors.Inc()
	}
}

// DecodeFailed records an inbound frame that could not be decoded.
func (m *Relay) DecodeFailed() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

// AcceptFailed records an error returned by the listener's accept call.
func (m *Relay) AcceptFailed() {
	if m != nil {
		m.AcceptErrors.Inc()
	}
}
