// Package metrics exposes the endpoint counters as prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the counter set owned by one server or client instance.
type Metrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	Retransmissions prometheus.Counter
	DecodeFailures  prometheus.Counter
	IdleEvictions   prometheus.Counter
	ConnectedPeers  prometheus.Gauge
}

// New creates the counter set, labeled with the endpoint role ("server" or
// "client").
func New(role string) *Metrics {
	labels := prometheus.Labels{"role": role}
	return &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gossamer",
			Name:        "packets_sent_total",
			Help:        "Datagrams written to the socket by the send loop.",
			ConstLabels: labels,
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gossamer",
			Name:        "packets_received_total",
			Help:        "Datagrams successfully decoded.",
			ConstLabels: labels,
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gossamer",
			Name:        "retransmissions_total",
			Help:        "Reliable packets re-sent after the resend budget.",
			ConstLabels: labels,
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gossamer",
			Name:        "decode_failures_total",
			Help:        "Inbound datagrams dropped as undecodable.",
			ConstLabels: labels,
		}),
		IdleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gossamer",
			Name:        "idle_evictions_total",
			Help:        "Peers evicted by the idle scan.",
			ConstLabels: labels,
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gossamer",
			Name:        "connected_peers",
			Help:        "Peers in the authenticated-connected state.",
			ConstLabels: labels,
		}),
	}
}

// Register registers every collector with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.PacketsSent, m.PacketsReceived, m.Retransmissions,
		m.DecodeFailures, m.IdleEvictions, m.ConnectedPeers,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
