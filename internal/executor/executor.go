// Package executor drains the pending-order queue: it submits due orders to
// the exchange, verifies the fills, retries transient failures with backoff
// and writes completed fills back to the ledger.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"dca-engine/internal/exchange"
	"dca-engine/internal/ledger"
	"dca-engine/internal/monitoring"
	"dca-engine/internal/secrets"
)

// AdapterFactory builds an exchange adapter bound to one user's credentials.
type AdapterFactory func(creds secrets.Credentials) exchange.Adapter

// Config tunes one executor instance.
type Config struct {
	Period           time.Duration
	MaxPerTick       int
	StuckTimeout     time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffFactor    float64
	BackoffCap       time.Duration
	VerifyAttempts   int
	VerifyInterval   time.Duration
	AbandonThreshold int
}

// Executor is the order queue worker. It owns every PendingOrder transition
// after claim, and the fill write-back into entries and bot state.
type Executor struct {
	store    ledger.Store
	secrets  secrets.Provider
	adapters AdapterFactory
	clock    clock.Clock
	log      *logrus.Entry
	backoff  *retryBackoff
	cfg      Config

	heartbeat func()
}

// SetHeartbeat registers a callback invoked after every completed tick.
func (e *Executor) SetHeartbeat(beat func()) { e.heartbeat = beat }

// New wires an executor. A nil clock falls back to wall time.
func New(store ledger.Store, provider secrets.Provider, adapters AdapterFactory, clk clock.Clock, log *logrus.Entry, cfg Config) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 3
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 2 * time.Second
	}
	if cfg.AbandonThreshold <= 0 {
		cfg.AbandonThreshold = 50
	}
	return &Executor{
		store:    store,
		secrets:  provider,
		adapters: adapters,
		clock:    clk,
		log:      log,
		backoff:  newRetryBackoff(cfg.BackoffBase, cfg.BackoffCap, cfg.BackoffFactor),
		cfg:      cfg,
	}
}

// Run ticks until the context is canceled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
			if e.heartbeat != nil {
				e.heartbeat()
			}
		}
	}
}

// Tick runs one housekeeping pass and then drains due orders up to the
// per-tick cap.
func (e *Executor) Tick(ctx context.Context) {
	e.housekeeping(ctx)

	for processed := 0; processed < e.cfg.MaxPerTick; processed++ {
		order, err := e.store.ClaimNextDueOrder(ctx, e.clock.Now().UTC())
		if err == ledger.ErrNoDueOrders {
			return
		}
		if err != nil {
			e.log.WithError(err).Error("claiming next order failed")
			return
		}
		e.Process(ctx, order)
	}
}

// housekeeping reaps stuck processing orders and recovers bots stranded in
// exiting behind a permanently failed sell.
func (e *Executor) housekeeping(ctx context.Context) {
	now := e.clock.Now().UTC()

	reaped, err := e.store.ReapStuckOrders(ctx, now.Add(-e.cfg.StuckTimeout), now)
	if err != nil {
		e.log.WithError(err).Error("stuck order sweep failed")
	} else if reaped > 0 {
		monitoring.StuckOrdersReaped.Add(float64(reaped))
		e.log.WithField("count", reaped).Warn("released stuck orders back to retry")
	}

	recovered, err := e.store.RecoverAbandonedExits(ctx, e.cfg.AbandonThreshold, now)
	if err != nil {
		e.log.WithError(err).Error("abandoned exit sweep failed")
	} else if recovered > 0 {
		e.log.WithField("count", recovered).Warn("recovered bots from abandoned exits")
	}
}

// Process drives one claimed order through submission and verification.
func (e *Executor) Process(ctx context.Context, order *ledger.PendingOrder) {
	log := e.log.WithFields(logrus.Fields{
		"order":  order.ID,
		"bot":    order.BotID,
		"side":   order.Side,
		"symbol": order.Symbol,
	})

	if order.Attempts >= e.cfg.MaxAttempts {
		e.failPermanently(ctx, order, "max attempts exhausted", log)
		return
	}

	creds, err := e.secrets.Get(ctx, order.UserID)
	if err != nil {
		e.scheduleRetry(ctx, order, fmt.Sprintf("loading credentials: %v", err), 0, log)
		return
	}
	adapter := e.adapters(creds)

	// An order reclaimed after a crash may already carry a txid; go straight
	// to verification instead of double-submitting.
	if order.TxID == "" {
		if ok := e.submit(ctx, adapter, order, log); !ok {
			return
		}
	}
	e.verify(ctx, adapter, order, log)
}

// submit validates and places the order. Returns false when the order left
// the processing state (retry or failed).
func (e *Executor) submit(ctx context.Context, adapter exchange.Adapter, order *ledger.PendingOrder, log *logrus.Entry) bool {
	if order.Side == exchange.SideSell {
		if ok := e.preflightSell(ctx, adapter, order, log); !ok {
			return false
		}
	}

	ack, err := adapter.PlaceOrder(ctx, exchange.OrderRequest{
		Pair:   order.NormalizedPair,
		Side:   order.Side,
		Type:   order.Type,
		Volume: order.Volume,
		Price:  order.Price,
	})
	if err != nil {
		monitoring.OrdersSubmitted.WithLabelValues(string(order.Side), "rejected").Inc()
		if exchange.IsRetryable(err) {
			e.scheduleRetry(ctx, order, err.Error(), exchange.RetryAfterOf(err), log)
		} else {
			e.failPermanently(ctx, order, err.Error(), log)
		}
		return false
	}

	if err := e.store.MarkOrderSubmitted(ctx, order.ID, ack.TxID, e.clock.Now().UTC()); err != nil {
		log.WithError(err).Error("recording submission failed")
		return false
	}
	order.TxID = ack.TxID
	monitoring.OrdersSubmitted.WithLabelValues(string(order.Side), "accepted").Inc()
	log.WithField("txid", ack.TxID).Info("order submitted")
	return true
}

// preflightSell re-validates a sell against the live wallet right before
// submission. Returns false when the order left the processing state.
func (e *Executor) preflightSell(ctx context.Context, adapter exchange.Adapter, order *ledger.PendingOrder, log *logrus.Entry) bool {
	if _, err := adapter.NormalizePair(order.Symbol); err != nil {
		e.failPermanently(ctx, order, err.Error(), log)
		return false
	}

	asset := exchange.BaseAsset(order.Symbol)
	decimals, err := adapter.AssetPrecision(asset)
	if err != nil {
		e.failPermanently(ctx, order, err.Error(), log)
		return false
	}
	minSize, err := adapter.MinOrderSize(order.NormalizedPair)
	if err != nil {
		e.failPermanently(ctx, order, err.Error(), log)
		return false
	}

	balances, err := adapter.GetBalance(ctx)
	if err != nil {
		e.scheduleRetry(ctx, order, fmt.Sprintf("reading balance: %v", err), exchange.RetryAfterOf(err), log)
		return false
	}
	available := balances[asset]
	if available < order.Volume {
		// The wallet can only shrink further; retrying will not help.
		e.failPermanently(ctx, order,
			fmt.Sprintf("insufficient balance: have %.10f %s, need %.10f", available, asset, order.Volume), log)
		return false
	}

	order.Volume = exchange.ClampVolume(order.Volume, decimals)
	if order.Volume < minSize {
		e.failPermanently(ctx, order,
			fmt.Sprintf("volume %.10f below minimum %.10f", order.Volume, minSize), log)
		return false
	}
	return true
}

// verify polls the submitted order until a terminal state or the poll budget
// runs out; a still-open order stays in processing for the watchdog.
func (e *Executor) verify(ctx context.Context, adapter exchange.Adapter, order *ledger.PendingOrder, log *logrus.Entry) {
	var status *exchange.OrderStatus
	var err error

	for attempt := 0; attempt < e.cfg.VerifyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(e.cfg.VerifyInterval):
			}
		}
		status, err = adapter.QueryOrder(ctx, order.TxID)
		if err != nil {
			log.WithError(err).Warn("order query failed")
			continue
		}
		if status.State.Terminal() {
			break
		}
	}

	switch {
	case status == nil:
		// Every poll errored; leave in processing, the watchdog reclaims it.
		log.Warn("verification exhausted without an answer")

	case status.State == exchange.OrderStateClosed && status.ExecutedVolume > 0:
		e.recordFill(ctx, order, status, log)

	case status.State == exchange.OrderStateCanceled || status.State == exchange.OrderStateExpired:
		msg := fmt.Sprintf("order %s at exchange with zero fill", status.State)
		if order.VerifyRetries >= 1 {
			e.failPermanently(ctx, order, msg, log)
			return
		}
		// Retried once: a fresh submission needs a fresh txid.
		order.TxID = ""
		next := e.clock.Now().UTC().Add(e.backoff.Delay(order.Attempts+1, 0))
		if err := e.store.MarkOrderVerifyRetry(ctx, order.ID, msg, next, e.clock.Now().UTC()); err != nil {
			log.WithError(err).Error("scheduling verification retry failed")
		}

	default:
		// Still open: requeue for the next tick with the txid kept, so the
		// next pass skips submission and resumes at verification.
		now := e.clock.Now().UTC()
		if err := e.store.MarkOrderRetry(ctx, order.ID, "still open at exchange", now.Add(e.cfg.Period), now); err != nil {
			log.WithError(err).Error("requeueing open order failed")
			return
		}
		log.WithField("txid", order.TxID).Info("order still open, requeued for verification")
	}
}

// recordFill writes the verified execution back and emits metrics.
func (e *Executor) recordFill(ctx context.Context, order *ledger.PendingOrder, status *exchange.OrderStatus, log *logrus.Entry) {
	fill := ledger.Fill{
		TxID:           order.TxID,
		ExecutedVolume: status.ExecutedVolume,
		Cost:           status.Cost,
		Fee:            status.Fee,
		Timestamp:      e.clock.Now().UTC(),
	}

	var before *ledger.Bot
	if order.Side == exchange.SideSell {
		b, err := e.store.GetBot(ctx, order.BotID)
		if err == nil {
			before = b
		}
	}

	if err := e.store.RecordFill(ctx, order.ID, fill); err != nil {
		log.WithError(err).Error("recording fill failed")
		return
	}

	monitoring.FillsRecorded.WithLabelValues(string(order.Side)).Inc()
	monitoring.OrderAttempts.Observe(float64(order.Attempts + 1))
	log.WithFields(logrus.Fields{
		"txid":   order.TxID,
		"volume": status.ExecutedVolume,
		"cost":   status.Cost,
	}).Info("fill recorded")

	if order.Side == exchange.SideSell && before != nil && before.Config.ExitPercent >= 1.0 {
		monitoring.CyclesClosed.Inc()
		monitoring.RealizedPnL.Add(status.Cost - before.TotalInvested)
		log.WithField("pnl", status.Cost-before.TotalInvested).Info("cycle closed")
	}
}

// scheduleRetry moves the order to retry with backoff, or fails it when the
// attempt budget is spent. Sells that fail here release their bot.
func (e *Executor) scheduleRetry(ctx context.Context, order *ledger.PendingOrder, msg string, floor time.Duration, log *logrus.Entry) {
	now := e.clock.Now().UTC()
	if order.Attempts+1 >= e.cfg.MaxAttempts {
		e.failPermanently(ctx, order, msg, log)
		return
	}

	next := now.Add(e.backoff.Delay(order.Attempts+1, floor))
	if err := e.store.MarkOrderRetry(ctx, order.ID, msg, next, now); err != nil {
		log.WithError(err).Error("scheduling retry failed")
		return
	}
	log.WithFields(logrus.Fields{"attempt": order.Attempts + 1, "next": next}).Warn("order retry scheduled")
}

// failPermanently finishes the order and, for sells, returns the bot from
// exiting to active with the failure reason.
func (e *Executor) failPermanently(ctx context.Context, order *ledger.PendingOrder, msg string, log *logrus.Entry) {
	now := e.clock.Now().UTC()
	if err := e.store.MarkOrderFailed(ctx, order.ID, msg, now); err != nil {
		log.WithError(err).Error("marking order failed errored")
		return
	}
	monitoring.OrderAttempts.Observe(float64(order.Attempts + 1))
	log.WithField("reason", msg).Error("order failed permanently")

	if order.Side == exchange.SideSell {
		if err := e.store.RevertExit(ctx, order.BotID, msg, now); err != nil && err != ledger.ErrConflict {
			log.WithError(err).Error("reverting exit failed")
		}
	}
}
