package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tip_router_keeper_build_info",
			Help: "Build information of the tip router keeper",
		},
		[]string{"version", "commit", "date"},
	)

	CrankTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tip_router_keeper_crank_total",
			Help: "Total number of keeper cranks",
		},
		[]string{"status"},
	)

	CrankDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tip_router_keeper_crank_duration_seconds",
			Help:    "Duration of keeper cranks",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
	)

	CrankErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tip_router_keeper_crank_errors_total",
			Help: "Failed keeper cranks by routing error kind",
		},
		[]string{"kind"},
	)

	SaveConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tip_router_keeper_save_conflicts_total",
			Help: "Epoch saves rejected because another writer saved first",
		},
	)

	RewardsRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tip_router_keeper_rewards_routed_lamports_total",
			Help: "Lamports moved by the keeper, by event kind",
		},
		[]string{"kind"},
	)

	EpochState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tip_router_keeper_epoch_state",
			Help: "Derived lifecycle state of the tracked epoch (1 for the current state)",
		},
		[]string{"state"},
	)

	RouterBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tip_router_keeper_router_balance_lamports",
			Help: "Base reward router balances",
		},
		[]string{"bucket"},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tip_router_keeper_rpc_requests_total",
			Help: "Total number of Solana RPC requests",
		},
		[]string{"op", "status"},
	)
)
