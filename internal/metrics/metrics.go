// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedTrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundengine_feed_trades_total",
		Help: "Trades received from the market feed",
	}, []string{"symbol"})

	FeedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roundengine_feed_connections",
		Help: "Open market feed websocket connections",
	})

	SyntheticTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundengine_synthetic_ticks_total",
		Help: "Synthetic prices injected because no fresh trade arrived in a cycle",
	}, []string{"symbol"})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundengine_decisions_total",
		Help: "Round decisions taken by the outcome decision engine",
	}, []string{"instrument", "decision"})

	RoundsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundengine_rounds_settled_total",
		Help: "Rounds whose settlement transaction committed",
	}, []string{"instrument", "scope"})

	OrdersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundengine_orders_settled_total",
		Help: "Order results written by settlement",
	}, []string{"scope", "status"})

	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundengine_settlement_failures_total",
		Help: "Settlement attempts that rolled back and were queued for retry",
	}, []string{"instrument", "scope"})

	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roundengine_settlement_duration_seconds",
		Help:    "Wall time of one settlement transaction",
		Buckets: prometheus.DefBuckets,
	}, []string{"scope"})

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundengine_rebalance_refunds_total",
		Help: "Orders partially refunded by NATURE_PLUS rebalancing",
	}, []string{"instrument"})
)
