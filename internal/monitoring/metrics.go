// Package monitoring exposes Prometheus metrics and the health endpoint for
// the engine's three workers.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerRuns counts completed scheduler runs by result.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_scheduler_runs_total",
		Help: "Completed bot scheduler runs",
	}, []string{"result"})

	// SchedulerRunDuration observes wall time per scheduler run.
	SchedulerRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_scheduler_run_duration_seconds",
		Help:    "Wall time of a full scheduler run",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// Decisions counts strategy decisions by action and reason.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_strategy_decisions_total",
		Help: "Strategy decisions emitted by the scheduler",
	}, []string{"action", "reason"})

	// OrdersSubmitted counts exchange submissions by side and outcome.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_orders_submitted_total",
		Help: "Order submissions by side and outcome",
	}, []string{"side", "outcome"})

	// OrderAttempts observes how many attempts an order needed before a
	// terminal state.
	OrderAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_order_attempts",
		Help:    "Attempts used before an order reached a terminal state",
		Buckets: prometheus.LinearBuckets(1, 1, 8),
	})

	// FillsRecorded counts verified fills written to the ledger.
	FillsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_fills_recorded_total",
		Help: "Verified fills written back to the ledger",
	}, []string{"side"})

	// CyclesClosed counts completed DCA cycles.
	CyclesClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_cycles_closed_total",
		Help: "DCA cycles closed by a completed exit",
	})

	// RealizedPnL accumulates realized profit and loss in quote currency.
	RealizedPnL = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_realized_pnl_quote_total",
		Help: "Cumulative realized PnL in quote currency",
	})

	// StuckOrdersReaped counts watchdog releases of stale processing orders.
	StuckOrdersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_stuck_orders_reaped_total",
		Help: "Processing orders released by the stuck-order watchdog",
	})

	// SnapshotRefreshes counts market snapshot refreshes by symbol and
	// status.
	SnapshotRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_snapshot_refreshes_total",
		Help: "Market snapshot refreshes by symbol and status",
	}, []string{"symbol", "status"})

	// ExchangeRequests counts adapter calls by operation and outcome.
	ExchangeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_exchange_requests_total",
		Help: "Exchange adapter calls by operation and outcome",
	}, []string{"op", "outcome"})
)
