package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Accepted          prometheus.Counter
	ConnectAttempts   prometheus.Counter
	ConnectFailures   prometheus.Counter
	Reconnects        prometheus.Counter
	BytesIn           prometheus.Counter
	BytesOut          prometheus.Counter
	MessagesIn        prometheus.Counter
	BufferGrows       prometheus.Counter
	BlockedSends      prometheus.Counter
	Disconnects       prometheus.Counter
	HandshakeFailures prometheus.Counter
	Peers             prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		Accepted:          counter("accepted_total", "Connections accepted by the listener."),
		ConnectAttempts:   counter("connect_attempts_total", "Client connect attempts, one per candidate address tried."),
		ConnectFailures:   counter("connect_failures_total", "Client connections that could not be opened."),
		Reconnects:        counter("reconnects_total", "Reconnect rounds started after a failed attempt."),
		BytesIn:           counter("received_bytes_total", "Bytes read from peers."),
		BytesOut:          counter("sent_bytes_total", "Bytes written to peers."),
		MessagesIn:        counter("messages_received_total", "Messages delivered to the handler."),
		BufferGrows:       counter("send_buffer_grows_total", "Successful send buffer enlargements."),
		BlockedSends:      counter("blocked_sends_total", "Cooperative waits entered because a send would block."),
		Disconnects:       counter("disconnects_total", "Peers removed because the connection ended."),
		HandshakeFailures: counter("handshake_failures_total", "Connections refused by the extension layer."),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "peers",
			Help:      "Registered peers.",
		}),
	}
}

func (m *Metrics) inc(pick func(*Metrics) prometheus.Counter) {
	if m != nil {
		pick(m).Inc()
	}
}

func (m *Metrics) add(pick func(*Metrics) prometheus.Counter, n int) {
	if m != nil && n > 0 {
		pick(m).Add(float64(n))
	}
}

func (m *Metrics) peers(delta float64) {
	if m != nil {
		m.Peers.Add(delta)
	}
}

func accepted(m *Metrics) prometheus.Counter          { return m.Accepted }
func connectAttempts(m *Metrics) prometheus.Counter   { return m.ConnectAttempts }
func connectFailures(m *Metrics) prometheus.Counter   { return m.ConnectFailures }
func reconnects(m *Metrics) prometheus.Counter        { return m.Reconnects }
func bytesIn(m *Metrics) prometheus.Counter           { return m.BytesIn }
func bytesOut(m *Metrics) prometheus.Counter          { return m.BytesOut }
func messagesIn(m *Metrics) prometheus.Counter        { return m.MessagesIn }
func bufferGrows(m *Metrics) prometheus.Counter       { return m.BufferGrows }
func blockedSends(m *Metrics) prometheus.Counter      { return m.BlockedSends }
func disconnects(m *Metrics) prometheus.Counter       { return m.Disconnects }
func handshakeFailures(m *Metrics) prometheus.Counter { return m.HandshakeFailures }
