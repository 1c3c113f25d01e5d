// Package metrics defines the Prometheus collectors shared across the
// engine components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foundry_snapshots_total",
		Help: "Number of holder snapshots taken",
	})

	SnapshotHolders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foundry_snapshot_holders",
		Help: "Eligible holder count in the latest snapshot",
	})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "foundry_snapshot_duration_seconds",
		Help:    "Time to enumerate holders and commit a snapshot",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	BuybacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foundry_buybacks_total",
		Help: "Buyback attempts by outcome",
	}, []string{"outcome"})

	BuybackSOLTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foundry_buyback_sol_lamports_total",
		Help: "Total lamports swapped into the reward token",
	})

	DistributionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foundry_distributions_total",
		Help: "Distribution cycles by outcome",
	}, []string{"outcome"})

	DistributionTransferFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foundry_distribution_transfer_failures_total",
		Help: "Recipient transfers that failed and await reconciliation",
	})

	DistributionRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "foundry_distribution_recipients",
		Help:    "Recipients paid per distribution cycle",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foundry_webhook_events_total",
		Help: "Webhook deliveries by result",
	}, []string{"result"})

	PoolBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foundry_pool_balance_tokens",
		Help: "Reward tokens currently held by the pool wallet",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foundry_ws_clients",
		Help: "Connected websocket clients",
	})
)
