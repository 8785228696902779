package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gossipmesh",
			Name:      "messages_received_total",
			Help:      "Decoded inbound messages by kind.",
		},
		[]string{"kind"},
	)

	MalformedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gossipmesh",
			Name:      "malformed_messages_total",
			Help:      "Inbound payloads discarded because they could not be decoded.",
		},
	)

	ConnectFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gossipmesh",
			Name:      "connect_failures_total",
			Help:      "Outbound connection attempts that failed.",
		},
	)

	GossipSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gossipmesh",
			Name:      "gossip_sent_total",
			Help:      "Gossip messages handed to the transport, by result.",
		},
		[]string{"result"},
	)

	KnownPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gossipmesh",
			Name:      "known_peers",
			Help:      "Number of entries in the peer registry.",
		},
	)
)

func init() {
	Registry.MustRegister(MessagesReceived, MalformedMessages, ConnectFailures, GossipSent, KnownPeers)
}

// RegisterUptime exposes the seconds elapsed since start. A second call fails
// with prometheus.AlreadyRegisteredError and leaves the first gauge in place.
func RegisterUptime(start time.Time) error {
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gossipmesh",
			Name:      "uptime_seconds",
			Help:      "Seconds since the node started.",
		},
		func() float64 { return time.Since(start).Seconds() },
	)
	return Registry.Register(uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
