package market

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"dca-engine/internal/ledger"
	"dca-engine/internal/monitoring"
)

// Refresher periodically rebuilds the market view for every symbol that an
// active bot trades. A failing symbol never aborts the pass.
type Refresher struct {
	store    ledger.Store
	analyzer Analyzer
	view     *View
	clock    clock.Clock
	log      *logrus.Entry
	period   time.Duration

	heartbeat func()
}

// SetHeartbeat registers a callback invoked after every completed pass.
func (r *Refresher) SetHeartbeat(beat func()) { r.heartbeat = beat }

// NewRefresher wires a refresher. A nil clock falls back to wall time.
func NewRefresher(store ledger.Store, analyzer Analyzer, view *View, clk clock.Clock, log *logrus.Entry, period time.Duration) *Refresher {
	if clk == nil {
		clk = clock.New()
	}
	return &Refresher{
		store:    store,
		analyzer: analyzer,
		view:     view,
		clock:    clk,
		log:      log,
		period:   period,
	}
}

// Run ticks until the context is canceled. The first pass runs immediately
// so the scheduler has data on startup.
func (r *Refresher) Run(ctx context.Context) error {
	r.RefreshOnce(ctx)

	ticker := r.clock.Ticker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RefreshOnce(ctx)
			if r.heartbeat != nil {
				r.heartbeat()
			}
		}
	}
}

// RefreshOnce refreshes every active bot's symbol once.
func (r *Refresher) RefreshOnce(ctx context.Context) {
	symbols, err := r.activeSymbols(ctx)
	if err != nil {
		r.log.WithError(err).Error("listing active bots failed, skipping refresh pass")
		return
	}

	for _, symbol := range symbols {
		snap, err := r.analyzer.Analyze(ctx, symbol)
		if err != nil {
			monitoring.SnapshotRefreshes.WithLabelValues(symbol, "error").Inc()
			r.log.WithError(err).WithField("symbol", symbol).Warn("snapshot refresh failed")
			continue
		}
		r.view.Put(*snap)
		monitoring.SnapshotRefreshes.WithLabelValues(symbol, "ok").Inc()
	}
}

// activeSymbols returns the distinct symbols of active bots, insertion
// ordered.
func (r *Refresher) activeSymbols(ctx context.Context) ([]string, error) {
	bots, err := r.store.ListBotsByStatus(ctx, ledger.BotStatusActive)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(bots))
	var out []string
	for _, bot := range bots {
		if !seen[bot.Config.Symbol] {
			seen[bot.Config.Symbol] = true
			out = append(out, bot.Config.Symbol)
		}
	}
	return out, nil
}
