package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"dca-engine/internal/exchange"
)

// MemoryStore is the in-process Store used in tests and single-node
// deployments. One mutex serializes all transactions; every record is copied
// on the way in and out so callers can never mutate shared state.
type MemoryStore struct {
	mu         sync.Mutex
	clock      clock.Clock
	bots       map[string]*Bot
	entries    map[string][]*Entry      // botID -> entries (all cycles)
	orders     map[string]*PendingOrder // orderID -> order
	runs       []*RunSummary
	executions []*ExecutionRecord
}

// NewMemoryStore creates an empty store. A nil clock falls back to wall time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:   clk,
		bots:    make(map[string]*Bot),
		entries: make(map[string][]*Entry),
		orders:  make(map[string]*PendingOrder),
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateBot validates the config, opens cycle 1 and persists the bot.
func (s *MemoryStore) CreateBot(_ context.Context, bot *Bot) error {
	if bot.Config.ExitPercent == 0 {
		bot.Config.ExitPercent = 1.0
	}
	if err := bot.Config.Validate(); err != nil {
		return fmt.Errorf("invalid bot config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	if _, exists := s.bots[bot.ID]; exists {
		return ErrConflict
	}

	now := s.clock.Now().UTC()
	if bot.Status == "" {
		bot.Status = BotStatusActive
	}
	bot.CycleNumber = 1
	bot.CycleID = NewCycleID(now)
	bot.CycleStartTime = now
	bot.CreatedAt = now
	bot.UpdatedAt = now

	s.bots[bot.ID] = cloneBot(bot)
	return nil
}

// GetBot returns a copy of the bot.
func (s *MemoryStore) GetBot(_ context.Context, id string) (*Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBot(bot), nil
}

// ListBotsByStatus returns bots in the given status, ordered by creation.
func (s *MemoryStore) ListBotsByStatus(_ context.Context, status BotStatus) ([]*Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Bot
	for _, bot := range s.bots {
		if bot.Status == status {
			out = append(out, cloneBot(bot))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetBotStatus flips a bot between statuses with a CAS on the current status.
func (s *MemoryStore) SetBotStatus(_ context.Context, botID string, from, to BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[botID]
	if !ok {
		return ErrNotFound
	}
	if bot.Status != from {
		return ErrConflict
	}
	bot.Status = to
	bot.UpdatedAt = s.clock.Now().UTC()
	return nil
}

// SetMaxPriceSinceTP records the post-TP high-water mark; lower values are
// ignored so concurrent writers can only raise it.
func (s *MemoryStore) SetMaxPriceSinceTP(_ context.Context, botID string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[botID]
	if !ok {
		return ErrNotFound
	}
	if price > bot.MaxPriceSinceTP {
		bot.MaxPriceSinceTP = price
		bot.UpdatedAt = s.clock.Now().UTC()
	}
	return nil
}

// ListEntries returns one cycle's entries ordered by entry number.
func (s *MemoryStore) ListEntries(_ context.Context, botID, cycleID string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, entry := range s.entries[botID] {
		if entry.CycleID == cycleID {
			out = append(out, cloneEntry(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryNumber < out[j].EntryNumber })
	return out, nil
}

// AppendPendingOrder inserts an order intent after the conflict check; sell
// intents can transition the bot to exiting in the same transaction.
func (s *MemoryStore) AppendPendingOrder(_ context.Context, order *PendingOrder, markExiting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[order.BotID]
	if !ok {
		return ErrNotFound
	}

	for _, existing := range s.orders {
		if existing.BotID == order.BotID && existing.Side == order.Side && existing.Status.InFlight() {
			return ErrConflict
		}
	}

	if markExiting {
		if order.Side != exchange.SideSell {
			return ErrInvalidTransition
		}
		if bot.Status != BotStatusActive {
			return ErrConflict
		}
		bot.Status = BotStatusExiting
	}

	now := s.clock.Now().UTC()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.Status = OrderStatusPending
	order.Attempts = 0
	if order.NextRetryAt.IsZero() {
		order.NextRetryAt = now
	}
	order.CreatedAt = now
	order.UpdatedAt = now
	bot.UpdatedAt = now

	s.orders[order.ID] = cloneOrder(order)
	return nil
}

// InFlightOrders returns the bot's pending/processing/retry orders.
func (s *MemoryStore) InFlightOrders(_ context.Context, botID string) ([]*PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PendingOrder
	for _, order := range s.orders {
		if order.BotID == botID && order.Status.InFlight() {
			out = append(out, cloneOrder(order))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetOrder returns a copy of the order.
func (s *MemoryStore) GetOrder(_ context.Context, id string) (*PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(order), nil
}

// ClaimNextDueOrder claims the oldest due order; the status flip under the
// store lock is the conditional update that keeps two executors apart.
func (s *MemoryStore) ClaimNextDueOrder(_ context.Context, now time.Time) (*PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due *PendingOrder
	for _, order := range s.orders {
		claimable := order.Status == OrderStatusPending || order.Status == OrderStatusRetry
		if !claimable || order.NextRetryAt.After(now) {
			continue
		}
		if due == nil || order.CreatedAt.Before(due.CreatedAt) {
			due = order
		}
	}
	if due == nil {
		return nil, ErrNoDueOrders
	}

	due.Status = OrderStatusProcessing
	due.UpdatedAt = now.UTC()
	return cloneOrder(due), nil
}

// MarkOrderSubmitted records the txid and, for buys, creates the cycle's next
// pending entry.
func (s *MemoryStore) MarkOrderSubmitted(_ context.Context, orderID, txid string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if order.TxID == txid && order.Status == OrderStatusProcessing {
		return nil // already recorded
	}
	if order.Status != OrderStatusProcessing {
		return ErrInvalidTransition
	}

	order.TxID = txid
	order.UpdatedAt = now.UTC()

	if order.Side == exchange.SideBuy {
		bot, ok := s.bots[order.BotID]
		if !ok {
			return ErrNotFound
		}
		// A verification retry resubmits under the same order id; reuse its
		// pending entry instead of creating a second one.
		for _, entry := range s.entries[order.BotID] {
			if entry.OrderID == order.ID && entry.Status == EntryStatusPending {
				return nil
			}
		}
		s.entries[order.BotID] = append(s.entries[order.BotID], &Entry{
			ID:          uuid.NewString(),
			BotID:       order.BotID,
			CycleID:     bot.CycleID,
			CycleNumber: bot.CycleNumber,
			EntryNumber: bot.CurrentEntryCount + 1,
			Timestamp:   now.UTC(),
			OrderID:     order.ID,
			Status:      EntryStatusPending,
			Source:      SourceBotExecution,
		})
	}
	return nil
}

// MarkOrderRetry schedules another attempt and appends to the error history.
func (s *MemoryStore) MarkOrderRetry(_ context.Context, orderID, errMsg string, nextRetryAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if order.Status != OrderStatusProcessing && order.Status != OrderStatusPending {
		return ErrInvalidTransition
	}

	order.Status = OrderStatusRetry
	order.Attempts++
	order.NextRetryAt = nextRetryAt.UTC()
	order.LastError = errMsg
	order.Errors = append(order.Errors, OrderError{At: now.UTC(), Message: errMsg})
	order.UpdatedAt = now.UTC()
	return nil
}

// MarkOrderVerifyRetry is MarkOrderRetry plus the verification counter bump;
// one transaction, so no reader sees a retry order still carrying its txid.
func (s *MemoryStore) MarkOrderVerifyRetry(_ context.Context, orderID, errMsg string, nextRetryAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if order.Status != OrderStatusProcessing && order.Status != OrderStatusPending {
		return ErrInvalidTransition
	}

	order.Status = OrderStatusRetry
	order.Attempts++
	order.VerifyRetries++
	order.TxID = "" // resubmission gets a fresh exchange txid
	order.NextRetryAt = nextRetryAt.UTC()
	order.LastError = errMsg
	order.Errors = append(order.Errors, OrderError{At: now.UTC(), Message: errMsg})
	order.UpdatedAt = now.UTC()
	return nil
}

// MarkOrderFailed finishes the order permanently; a buy's pending entry is
// marked failed alongside.
func (s *MemoryStore) MarkOrderFailed(_ context.Context, orderID, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if order.Status == OrderStatusFailed {
		return nil
	}
	if order.Status == OrderStatusCompleted {
		return ErrInvalidTransition
	}

	order.Status = OrderStatusFailed
	order.LastError = errMsg
	order.Errors = append(order.Errors, OrderError{At: now.UTC(), Message: errMsg})
	order.UpdatedAt = now.UTC()

	if order.Side == exchange.SideBuy {
		for _, entry := range s.entries[order.BotID] {
			if entry.OrderID == order.ID && entry.Status == EntryStatusPending {
				entry.Status = EntryStatusFailed
			}
		}
	}
	s.executions = append(s.executions, newExecutionRecord(order, now.UTC()))
	return nil
}

// RecordFill writes the verified execution into bot state in one transaction.
// Re-applying with the txid already completed is a no-op.
func (s *MemoryStore) RecordFill(_ context.Context, orderID string, fill Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if order.Status == OrderStatusCompleted {
		if order.TxID == fill.TxID {
			return nil
		}
		return ErrInvalidTransition
	}
	if order.Status != OrderStatusProcessing {
		return ErrInvalidTransition
	}
	if fill.ExecutedVolume <= 0 {
		return fmt.Errorf("%w: fill without executed volume", ErrInvalidTransition)
	}

	bot, ok := s.bots[order.BotID]
	if !ok {
		return ErrNotFound
	}

	ts := fill.Timestamp.UTC()
	switch order.Side {
	case exchange.SideBuy:
		s.applyBuyFill(bot, order, fill, ts)
	case exchange.SideSell:
		s.applySellFill(bot, order, fill, ts)
	default:
		return ErrInvalidTransition
	}

	order.Status = OrderStatusCompleted
	order.TxID = fill.TxID
	order.UpdatedAt = ts
	bot.UpdatedAt = ts

	rec := newExecutionRecord(order, ts)
	rec.Volume = fill.ExecutedVolume
	rec.Cost = fill.Cost
	rec.Fee = fill.Fee
	s.executions = append(s.executions, rec)
	return nil
}

// applyBuyFill fills the pending entry and updates the cycle aggregates.
// Caller holds the lock.
func (s *MemoryStore) applyBuyFill(bot *Bot, order *PendingOrder, fill Fill, ts time.Time) {
	price := fill.Cost / fill.ExecutedVolume

	for _, entry := range s.entries[bot.ID] {
		if entry.OrderID == order.ID && entry.Status == EntryStatusPending {
			entry.Status = EntryStatusFilled
			entry.Price = price
			entry.Quantity = fill.ExecutedVolume
			entry.OrderAmount = fill.Cost
			entry.Timestamp = ts
			entry.EntryNumber = bot.CurrentEntryCount + 1
			break
		}
	}

	bot.CurrentEntryCount++
	bot.TotalInvested += fill.Cost
	bot.TotalVolume += fill.ExecutedVolume
	bot.RecomputeAverage()
	bot.LastEntryPrice = price
	bot.LastEntryTime = &ts
}

// applySellFill closes the cycle on a full exit; partial exits shrink the
// open position proportionally and return the bot to active. Caller holds
// the lock.
func (s *MemoryStore) applySellFill(bot *Bot, order *PendingOrder, fill Fill, ts time.Time) {
	price := fill.Cost / fill.ExecutedVolume
	bot.LastExitPrice = price
	bot.LastExitTime = &ts

	if bot.Config.ExitPercent >= 1.0 {
		bot.PreviousCycles = append(bot.PreviousCycles, CycleSummary{
			CycleID:     bot.CycleID,
			CycleNumber: bot.CycleNumber,
			StartTime:   bot.CycleStartTime,
			EndTime:     ts,
			Invested:    bot.TotalInvested,
			Recovered:   fill.Cost,
			RealizedPnL: fill.Cost - bot.TotalInvested,
		})
		bot.CurrentEntryCount = 0
		bot.TotalInvested = 0
		bot.TotalVolume = 0
		bot.AverageEntryPrice = 0
		bot.MaxPriceSinceTP = 0
		bot.CycleNumber++
		bot.CycleID = NewCycleID(ts)
		bot.CycleStartTime = ts
		bot.Status = BotStatusActive
		return
	}

	// Partial exit: the cycle stays open with the residual position.
	if fill.ExecutedVolume >= bot.TotalVolume {
		bot.TotalVolume = 0
		bot.TotalInvested = 0
	} else {
		soldFraction := fill.ExecutedVolume / bot.TotalVolume
		bot.TotalInvested *= 1 - soldFraction
		bot.TotalVolume -= fill.ExecutedVolume
	}
	bot.RecomputeAverage()
	bot.Status = BotStatusActive
}

// RevertExit returns a bot from exiting to active after a failed sell.
func (s *MemoryStore) RevertExit(_ context.Context, botID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[botID]
	if !ok {
		return ErrNotFound
	}
	if bot.Status != BotStatusExiting {
		return ErrConflict
	}

	ts := now.UTC()
	bot.Status = BotStatusActive
	bot.LastFailedExitReason = reason
	bot.LastFailedExitTime = &ts
	bot.UpdatedAt = ts
	return nil
}

// ReapStuckOrders flips processing orders untouched since cutoff back to
// retry so the next tick reclaims them.
func (s *MemoryStore) ReapStuckOrders(_ context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for _, order := range s.orders {
		if order.Status == OrderStatusProcessing && order.UpdatedAt.Before(cutoff) {
			order.Status = OrderStatusRetry
			order.NextRetryAt = now.UTC()
			order.LastError = "stuck in processing past watchdog timeout"
			order.Errors = append(order.Errors, OrderError{At: now.UTC(), Message: order.LastError})
			order.UpdatedAt = now.UTC()
			reaped++
		}
	}
	return reaped, nil
}

// RecoverAbandonedExits releases bots stuck in exiting behind a permanently
// failing sell whose error history passed the threshold.
func (s *MemoryStore) RecoverAbandonedExits(_ context.Context, errorThreshold int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for _, order := range s.orders {
		if order.Side != exchange.SideSell || order.Status != OrderStatusFailed {
			continue
		}
		if len(order.Errors) <= errorThreshold {
			continue
		}
		bot, ok := s.bots[order.BotID]
		if !ok || bot.Status != BotStatusExiting {
			continue
		}

		ts := now.UTC()
		bot.Status = BotStatusActive
		bot.LastFailedExitReason = "abandoned, infinite retry"
		bot.LastFailedExitTime = &ts
		bot.UpdatedAt = ts
		order.LastError = "abandoned, infinite retry"
		order.UpdatedAt = ts
		recovered++
	}
	return recovered, nil
}

// SaveRunSummary appends a scheduler run record.
func (s *MemoryStore) SaveRunSummary(_ context.Context, summary *RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	s.runs = append(s.runs, summary)
	return nil
}

// RunSummaries returns all saved run summaries, oldest first. Test helper.
func (s *MemoryStore) RunSummaries() []*RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RunSummary(nil), s.runs...)
}

// Executions returns the execution audit rows, oldest first. Test helper.
func (s *MemoryStore) Executions() []*ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ExecutionRecord(nil), s.executions...)
}

func cloneBot(bot *Bot) *Bot {
	out := *bot
	out.PreviousCycles = append([]CycleSummary(nil), bot.PreviousCycles...)
	if bot.LastEntryTime != nil {
		t := *bot.LastEntryTime
		out.LastEntryTime = &t
	}
	if bot.LastExitTime != nil {
		t := *bot.LastExitTime
		out.LastExitTime = &t
	}
	if bot.LastFailedExitTime != nil {
		t := *bot.LastFailedExitTime
		out.LastFailedExitTime = &t
	}
	return &out
}

func cloneEntry(entry *Entry) *Entry {
	out := *entry
	return &out
}

func cloneOrder(order *PendingOrder) *PendingOrder {
	out := *order
	out.Errors = append([]OrderError(nil), order.Errors...)
	return &out
}
