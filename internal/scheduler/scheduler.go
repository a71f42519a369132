// Package scheduler drives the periodic evaluation of every active bot:
// it reads the market view, asks the strategy engine for a decision and
// turns enter/exit decisions into pending orders.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dca-engine/internal/exchange"
	"dca-engine/internal/ledger"
	"dca-engine/internal/market"
	"dca-engine/internal/monitoring"
	"dca-engine/internal/strategy"
	"dca-engine/pkg/types"
)

// Config tunes one scheduler instance.
type Config struct {
	Period      time.Duration
	Concurrency int
	RunTimeout  time.Duration
	FeeBuffer   float64
}

// Scheduler is the bot evaluation worker. It owns bot status transitions and
// the creation of pending orders; it never talks to the exchange's trading
// endpoints itself.
type Scheduler struct {
	store   ledger.Store
	adapter exchange.Adapter
	engine  *strategy.Engine
	view    *market.View
	clock   clock.Clock
	log     *logrus.Entry
	cfg     Config

	heartbeat func()
}

// SetHeartbeat registers a callback invoked after every completed run.
func (s *Scheduler) SetHeartbeat(beat func()) { s.heartbeat = beat }

// New wires a scheduler. A nil clock falls back to wall time.
func New(store ledger.Store, adapter exchange.Adapter, engine *strategy.Engine, view *market.View, clk clock.Clock, log *logrus.Entry, cfg Config) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Scheduler{
		store:   store,
		adapter: adapter,
		engine:  engine,
		view:    view,
		clock:   clk,
		log:     log,
		cfg:     cfg,
	}
}

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("scheduler run failed")
			}
			if s.heartbeat != nil {
				s.heartbeat()
			}
		}
	}
}

// RunOnce evaluates every active bot and returns the run summary. A run
// whose wall time exceeds the run timeout stops dispatching further bots;
// evaluations already dispatched run to completion.
func (s *Scheduler) RunOnce(ctx context.Context) (*ledger.RunSummary, error) {
	started := s.clock.Now().UTC()

	bots, err := s.store.ListBotsByStatus(ctx, ledger.BotStatusActive)
	if err != nil {
		monitoring.SchedulerRuns.WithLabelValues("error").Inc()
		return nil, err
	}

	summary := &ledger.RunSummary{
		StartedAt:    started,
		TotalBots:    len(bots),
		ReasonCounts: make(map[string]int),
	}

	var mu sync.Mutex
	record := func(detail ledger.RunDetail) {
		mu.Lock()
		defer mu.Unlock()
		summary.Details = append(summary.Details, detail)
		summary.Processed++
		switch detail.Outcome {
		case "enter":
			summary.Enters++
		case "exit":
			summary.Exits++
		case "skip", "hold":
			summary.Skipped++
		case "error":
			summary.Failed++
		}
		if detail.Reason != "" {
			summary.ReasonCounts[detail.Reason]++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, bot := range bots {
		if s.cfg.RunTimeout > 0 && s.clock.Now().Sub(started) > s.cfg.RunTimeout {
			s.log.WithField("remaining", len(bots)).Warn("run timeout reached, stopping dispatch")
			break
		}
		bot := bot
		g.Go(func() error {
			record(s.processBot(gctx, bot))
			return nil
		})
	}
	_ = g.Wait()

	summary.FinishedAt = s.clock.Now().UTC()
	if err := s.store.SaveRunSummary(ctx, summary); err != nil {
		s.log.WithError(err).Warn("saving run summary failed")
	}

	monitoring.SchedulerRuns.WithLabelValues("ok").Inc()
	monitoring.SchedulerRunDuration.Observe(summary.FinishedAt.Sub(started).Seconds())
	s.log.WithFields(logrus.Fields{
		"bots":   summary.TotalBots,
		"enters": summary.Enters,
		"exits":  summary.Exits,
		"held":   summary.Skipped,
		"failed": summary.Failed,
	}).Info("scheduler run finished")
	return summary, nil
}

// processBot evaluates a single bot and applies the resulting decision.
func (s *Scheduler) processBot(ctx context.Context, bot *ledger.Bot) ledger.RunDetail {
	detail := ledger.RunDetail{BotID: bot.ID, Symbol: bot.Config.Symbol}
	log := s.log.WithFields(logrus.Fields{"bot": bot.ID, "symbol": bot.Config.Symbol})

	now := s.clock.Now().UTC()
	snap := s.view.Fresh(bot.Config.Symbol, now)

	inFlight, err := s.store.InFlightOrders(ctx, bot.ID)
	if err != nil {
		log.WithError(err).Error("listing in-flight orders failed")
		detail.Outcome, detail.Reason = "error", err.Error()
		return detail
	}
	// Any live order parks the bot for this run. Evaluating around an
	// unfilled buy could queue a sell whose fill closes the cycle before the
	// buy lands, crediting the old cycle's entry to the new one.
	if len(inFlight) > 0 {
		detail.Outcome, detail.Reason = "skip", strategy.ReasonOrderInFlight
		return detail
	}

	s.trackPostTPHigh(ctx, bot, snap)

	decision := s.engine.Evaluate(strategy.Input{
		Bot:      bot,
		Snapshot: snap,
		Now:      now,
	})
	monitoring.Decisions.WithLabelValues(string(decision.Action), decision.Reason).Inc()

	switch decision.Action {
	case strategy.ActionEnter:
		return s.applyEnter(ctx, bot, snap.Price, decision, log)
	case strategy.ActionExit:
		return s.applyExit(ctx, bot, decision, log)
	default:
		detail.Outcome, detail.Reason = "hold", decision.Reason
		return detail
	}
}

// trackPostTPHigh keeps the bot's post-take-profit high-water mark current
// so the trailing exit can fire on retrace.
func (s *Scheduler) trackPostTPHigh(ctx context.Context, bot *ledger.Bot, snap *types.Snapshot) {
	if snap == nil || bot.TotalVolume <= 0 {
		return
	}
	tpPrice := strategy.TPPrice(bot)
	if tpPrice <= 0 || snap.Price < tpPrice || snap.Price <= bot.MaxPriceSinceTP {
		return
	}
	if err := s.store.SetMaxPriceSinceTP(ctx, bot.ID, snap.Price); err != nil {
		s.log.WithError(err).WithField("bot", bot.ID).Warn("updating post-TP high failed")
	} else {
		bot.MaxPriceSinceTP = snap.Price
	}
}

// applyEnter turns an enter decision into a pending buy order.
func (s *Scheduler) applyEnter(ctx context.Context, bot *ledger.Bot, price float64, decision strategy.Decision, log *logrus.Entry) ledger.RunDetail {
	detail := ledger.RunDetail{BotID: bot.ID, Symbol: bot.Config.Symbol}

	pair, err := s.adapter.NormalizePair(bot.Config.Symbol)
	if err != nil {
		log.WithError(err).Error("symbol not tradable")
		detail.Outcome, detail.Reason = "error", err.Error()
		return detail
	}
	decimals, err := s.adapter.AssetPrecision(exchange.BaseAsset(bot.Config.Symbol))
	if err != nil {
		detail.Outcome, detail.Reason = "error", err.Error()
		return detail
	}

	volume := exchange.ClampVolume(decision.Amount/price, decimals)
	order := &ledger.PendingOrder{
		BotID:          bot.ID,
		UserID:         bot.UserID,
		Symbol:         bot.Config.Symbol,
		NormalizedPair: pair,
		Side:           exchange.SideBuy,
		Type:           exchange.OrderTypeMarket,
		Volume:         volume,
		MaxAttempts:    defaultMaxAttempts,
	}
	if err := s.store.AppendPendingOrder(ctx, order, false); err != nil {
		if err == ledger.ErrConflict {
			detail.Outcome, detail.Reason = "skip", "order in flight"
			return detail
		}
		log.WithError(err).Error("queueing buy order failed")
		detail.Outcome, detail.Reason = "error", err.Error()
		return detail
	}

	log.WithFields(logrus.Fields{"amount": decision.Amount, "volume": volume}).Info("buy intent queued")
	detail.Outcome, detail.Reason = "enter", decision.Reason
	return detail
}

// applyExit turns an exit decision into a pending sell and flips the bot to
// exiting in the same transaction.
func (s *Scheduler) applyExit(ctx context.Context, bot *ledger.Bot, decision strategy.Decision, log *logrus.Entry) ledger.RunDetail {
	detail := ledger.RunDetail{BotID: bot.ID, Symbol: bot.Config.Symbol}

	pair, err := s.adapter.NormalizePair(bot.Config.Symbol)
	if err != nil {
		detail.Outcome, detail.Reason = "error", err.Error()
		return detail
	}
	asset := exchange.BaseAsset(bot.Config.Symbol)
	decimals, err := s.adapter.AssetPrecision(asset)
	if err != nil {
		detail.Outcome, detail.Reason = "error", err.Error()
		return detail
	}
	minSize, err := s.adapter.MinOrderSize(pair)
	if err != nil {
		detail.Outcome, detail.Reason = "error", err.Error()
		return detail
	}

	// The wallet balance, not the ledger's volume, is the source of truth
	// for what can actually be sold.
	balances, err := s.adapter.GetBalance(ctx)
	if err != nil {
		log.WithError(err).Error("reading balance failed")
		detail.Outcome, detail.Reason = "error", err.Error()
		return detail
	}
	available := balances[asset]

	volume := exchange.ClampVolume(available*decision.Fraction*(1-s.cfg.FeeBuffer), decimals)
	if volume < minSize {
		log.WithFields(logrus.Fields{"volume": volume, "min": minSize}).Warn("exit below minimum order size")
		detail.Outcome, detail.Reason = "skip", "below minimum"
		return detail
	}

	order := &ledger.PendingOrder{
		BotID:          bot.ID,
		UserID:         bot.UserID,
		Symbol:         bot.Config.Symbol,
		NormalizedPair: pair,
		Side:           exchange.SideSell,
		Type:           exchange.OrderTypeMarket,
		Volume:         volume,
		MaxAttempts:    defaultMaxAttempts,
	}
	if err := s.store.AppendPendingOrder(ctx, order, true); err != nil {
		if err == ledger.ErrConflict {
			detail.Outcome, detail.Reason = "skip", "order in flight"
			return detail
		}
		log.WithError(err).Error("queueing sell order failed")
		detail.Outcome, detail.Reason = "error", err.Error()
		return detail
	}

	log.WithFields(logrus.Fields{"volume": volume, "reason": decision.Reason}).Info("exit intent queued")
	detail.Outcome, detail.Reason = "exit", decision.Reason
	return detail
}

const defaultMaxAttempts = 8
