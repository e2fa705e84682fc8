// Package metrics registers the node's Prometheus instruments: a coarse
// set of gauges and counters covering epoch progress and etcd request
// outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LatestEpoch is the highest epoch sequence number this node knows
	// about.
	LatestEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maroon_latest_epoch",
		Help: "Highest epoch sequence number this node knows about.",
	})

	// KnownTransactions counts blueprints ingested by this node (each
	// ingest call, duplicates included).
	KnownTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maroon_tx_knows",
		Help: "How many transactions this node knows about.",
	})

	// FinishedTransactions counts fibers that ran to completion with a
	// public result.
	FinishedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maroon_tx_finished",
		Help: "How many transactions finished on this node.",
	})

	// EtcdRequests counts coordinator/etcd round trips by outcome label
	// (committed, rejected, error, watch_error).
	EtcdRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epoch_coordinator_requests_to_etcd",
		Help: "Requests the Epoch Coordinator client made to etcd, by outcome.",
	}, []string{"outcome"})

	// EtcdCommitLatency observes the latency, in seconds, of the propose
	// CAS transaction against etcd.
	EtcdCommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "epoch_coordinator_commit_to_etcd_seconds",
		Help:    "Latency of the epoch propose transaction against etcd.",
		Buckets: []float64{.005, .01, .025, .05, .075, .1, .25, .5, .75, 1, 2.5, 5, 7.5, 10},
	})

	// CommittedTransactions counts the total number of blob IDs carried
	// by epochs this node has successfully proposed and committed.
	CommittedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epoch_coordinator_maroon_commited_transactions",
		Help: "Transactions committed via epochs this node proposed.",
	})
)
