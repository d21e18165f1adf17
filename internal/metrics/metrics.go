// Package metrics defines the Prometheus instruments exported by the
// gateway. All instruments are registered on the default registry and
// served from the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedAgents is the number of agent sessions currently attached
	// to the registry.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custard",
		Name:      "connected_agents",
		Help:      "Number of live agent sessions.",
	})

	// PendingRequests is the number of agent round-trips currently awaiting
	// a reply in the correlator.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custard",
		Name:      "pending_requests",
		Help:      "Number of in-flight agent requests.",
	})

	// QueriesTotal counts orchestrated queries by route and outcome.
	// Route is one of agent_sql, csv_sql, csv_analytic; outcome is "ok"
	// or the stable error code of the failure.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custard",
		Name:      "queries_total",
		Help:      "Orchestrated queries by route and outcome.",
	}, []string{"route", "outcome"})

	// CSVPoolBytes is the aggregate approximate in-memory footprint of all
	// materialized CSV sessions.
	CSVPoolBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custard",
		Name:      "csv_pool_bytes",
		Help:      "Aggregate footprint of materialized CSV sessions in bytes.",
	})

	// StatusSubscribers is the number of connected status WebSocket clients.
	StatusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custard",
		Name:      "status_subscribers",
		Help:      "Number of connected status subscribers.",
	})
)
