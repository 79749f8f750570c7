package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are registered on a per-lobby registry so several lobbies can live in one test binary
type metrics struct {
	registry *prometheus.Registry

	queueSize      *prometheus.GaugeVec
	connections    *prometheus.GaugeVec
	gameServers    *prometheus.GaugeVec
	matchesMade    *prometheus.CounterVec
	requeued       *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	logins         *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bindstone",
			Subsystem: "lobby",
			Name:      "queue_size",
			Help:      "Seekers waiting in each matchmaking queue.",
		}, []string{"queue"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bindstone",
			Subsystem: "lobby",
			Name:      "connections",
			Help:      "Open sockets per endpoint.",
		}, []string{"endpoint"}),
		gameServers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bindstone",
			Subsystem: "lobby",
			Name:      "game_servers",
			Help:      "Registered game servers per state.",
		}, []string{"state"}),
		matchesMade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bindstone",
			Subsystem: "lobby",
			Name:      "matches_made_total",
			Help:      "Pairs handed to a game server.",
		}, []string{"queue"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bindstone",
			Subsystem: "lobby",
			Name:      "requeued_total",
			Help:      "Seekers put back in their queue after a failed hand-off.",
		}, []string{"queue"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bindstone",
			Subsystem: "lobby",
			Name:      "protocol_errors_total",
			Help:      "Connections dropped for protocol violations.",
		}, []string{"endpoint"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bindstone",
			Subsystem: "lobby",
			Name:      "logins_total",
			Help:      "Account requests by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.queueSize,
		m.connections,
		m.gameServers,
		m.matchesMade,
		m.requeued,
		m.protocolErrors,
		m.logins,
	)
	return m
}
