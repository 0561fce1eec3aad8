// Package metrics defines the Prometheus instrumentation shared by every
// subsystem. Collectors are registered with the default registry at init
// time; the node exposes them over HTTP when a metrics address is
// configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts served requests by operation and response status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvring",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Requests served, by operation and response status.",
	}, []string{"op", "status"})

	// StorageOpsTotal counts storage engine operations by kind and outcome
	// (applied or stale).
	StorageOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvring",
		Subsystem: "storage",
		Name:      "ops_total",
		Help:      "Storage engine operations, by kind and outcome.",
	}, []string{"op", "outcome"})

	// StoreSize tracks the number of keys held locally.
	StoreSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvring",
		Subsystem: "storage",
		Name:      "keys",
		Help:      "Number of keys in the local store.",
	})

	// QuorumFailuresTotal counts client operations that failed to reach
	// quorum, by operation.
	QuorumFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvring",
		Subsystem: "replication",
		Name:      "quorum_failures_total",
		Help:      "Client operations that failed to reach quorum.",
	}, []string{"op"})

	// ReadRepairsTotal counts read-repair writes issued to stale replicas.
	ReadRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvring",
		Subsystem: "replication",
		Name:      "read_repairs_total",
		Help:      "Read-repair writes issued to stale replicas.",
	})

	// GossipRoundsTotal counts completed gossip rounds.
	GossipRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvring",
		Subsystem: "membership",
		Name:      "gossip_rounds_total",
		Help:      "Completed gossip rounds.",
	})

	// AlivePeers tracks the number of members currently believed alive,
	// including self.
	AlivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvring",
		Subsystem: "membership",
		Name:      "alive_peers",
		Help:      "Members currently believed alive, including self.",
	})
)
