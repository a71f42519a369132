package ledger

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"dca-engine/internal/exchange"
)

// Collection names. Entries live in a subcollection under their bot
// document; the rest are top level.
const (
	colBots       = "bots"
	colEntries    = "entries"
	colOrders     = "pendingOrders"
	colExecutions = "botExecutions"
	colRuns       = "systemLogs"
)

// FirestoreStore persists the ledger in Cloud Firestore. Every mutator runs
// inside RunTransaction so the read-check-write sequences behave like the
// conditional updates the Store contract requires.
type FirestoreStore struct {
	client *firestore.Client
	clock  clock.Clock
}

// NewFirestoreStore wraps an existing Firestore client. A nil clock falls
// back to wall time.
func NewFirestoreStore(client *firestore.Client, clk clock.Clock) *FirestoreStore {
	if clk == nil {
		clk = clock.New()
	}
	return &FirestoreStore{client: client, clock: clk}
}

var _ Store = (*FirestoreStore)(nil)

func isFirestoreNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *FirestoreStore) botDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(colBots).Doc(id)
}

func (s *FirestoreStore) orderDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(colOrders).Doc(id)
}

func (s *FirestoreStore) entriesCol(botID string) *firestore.CollectionRef {
	return s.botDoc(botID).Collection(colEntries)
}

func (s *FirestoreStore) getBotTx(tx *firestore.Transaction, id string) (*Bot, error) {
	snap, err := tx.Get(s.botDoc(id))
	if err != nil {
		if isFirestoreNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var bot Bot
	if err := snap.DataTo(&bot); err != nil {
		return nil, fmt.Errorf("decode bot %s: %w", id, err)
	}
	return &bot, nil
}

func (s *FirestoreStore) getOrderTx(tx *firestore.Transaction, id string) (*PendingOrder, error) {
	snap, err := tx.Get(s.orderDoc(id))
	if err != nil {
		if isFirestoreNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var order PendingOrder
	if err := snap.DataTo(&order); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", id, err)
	}
	return &order, nil
}

// CreateBot validates the config, opens cycle 1 and persists the bot.
func (s *FirestoreStore) CreateBot(ctx context.Context, bot *Bot) error {
	if bot.Config.ExitPercent == 0 {
		bot.Config.ExitPercent = 1.0
	}
	if err := bot.Config.Validate(); err != nil {
		return fmt.Errorf("invalid bot config: %w", err)
	}

	if bot.ID == "" {
		bot.ID = uuid.NewString()
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

	_, err := s.botDoc(bot.ID).Create(ctx, bot)
	if status.Code(err) == codes.AlreadyExists {
		return ErrConflict
	}
	return err
}

func (s *FirestoreStore) GetBot(ctx context.Context, id string) (*Bot, error) {
	snap, err := s.botDoc(id).Get(ctx)
	if err != nil {
		if isFirestoreNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var bot Bot
	if err := snap.DataTo(&bot); err != nil {
		return nil, fmt.Errorf("decode bot %s: %w", id, err)
	}
	return &bot, nil
}

func (s *FirestoreStore) ListBotsByStatus(ctx context.Context, botStatus BotStatus) ([]*Bot, error) {
	iter := s.client.Collection(colBots).
		Where("status", "==", string(botStatus)).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*Bot
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var bot Bot
		if err := snap.DataTo(&bot); err != nil {
			return nil, fmt.Errorf("decode bot %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &bot)
	}
	return out, nil
}

func (s *FirestoreStore) SetBotStatus(ctx context.Context, botID string, from, to BotStatus) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		bot, err := s.getBotTx(tx, botID)
		if err != nil {
			return err
		}
		if bot.Status != from {
			return ErrConflict
		}
		return tx.Update(s.botDoc(botID), []firestore.Update{
			{Path: "status", Value: string(to)},
			{Path: "updatedAt", Value: s.clock.Now().UTC()},
		})
	})
}

func (s *FirestoreStore) SetMaxPriceSinceTP(ctx context.Context, botID string, price float64) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		bot, err := s.getBotTx(tx, botID)
		if err != nil {
			return err
		}
		if price <= bot.MaxPriceSinceTP {
			return nil
		}
		return tx.Update(s.botDoc(botID), []firestore.Update{
			{Path: "maxPriceSinceTp", Value: price},
			{Path: "updatedAt", Value: s.clock.Now().UTC()},
		})
	})
}

func (s *FirestoreStore) ListEntries(ctx context.Context, botID, cycleID string) ([]*Entry, error) {
	iter := s.entriesCol(botID).
		Where("cycleId", "==", cycleID).
		OrderBy("entryNumber", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*Entry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var entry Entry
		if err := snap.DataTo(&entry); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &entry)
	}
	return out, nil
}

// inFlightOrdersTx lists the bot's in-flight orders inside a transaction.
func (s *FirestoreStore) inFlightOrdersTx(tx *firestore.Transaction, botID string) ([]*PendingOrder, error) {
	iter := tx.Documents(s.client.Collection(colOrders).
		Where("botId", "==", botID).
		Where("status", "in", []string{
			string(OrderStatusPending),
			string(OrderStatusProcessing),
			string(OrderStatusRetry),
		}))
	defer iter.Stop()

	var out []*PendingOrder
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var order PendingOrder
		if err := snap.DataTo(&order); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &order)
	}
	return out, nil
}

func (s *FirestoreStore) AppendPendingOrder(ctx context.Context, order *PendingOrder, markExiting bool) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		bot, err := s.getBotTx(tx, order.BotID)
		if err != nil {
			return err
		}

		inFlight, err := s.inFlightOrdersTx(tx, order.BotID)
		if err != nil {
			return err
		}
		for _, existing := range inFlight {
			if existing.Side == order.Side {
				return ErrConflict
			}
		}

		now := s.clock.Now().UTC()
		if markExiting {
			if order.Side != exchange.SideSell {
				return ErrInvalidTransition
			}
			if bot.Status != BotStatusActive {
				return ErrConflict
			}
			if err := tx.Update(s.botDoc(order.BotID), []firestore.Update{
				{Path: "status", Value: string(BotStatusExiting)},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
		}

		order.Status = OrderStatusPending
		order.Attempts = 0
		if order.NextRetryAt.IsZero() {
			order.NextRetryAt = now
		}
		order.CreatedAt = now
		order.UpdatedAt = now
		return tx.Create(s.orderDoc(order.ID), order)
	})
}

func (s *FirestoreStore) InFlightOrders(ctx context.Context, botID string) ([]*PendingOrder, error) {
	iter := s.client.Collection(colOrders).
		Where("botId", "==", botID).
		Where("status", "in", []string{
			string(OrderStatusPending),
			string(OrderStatusProcessing),
			string(OrderStatusRetry),
		}).
		Documents(ctx)
	defer iter.Stop()

	var out []*PendingOrder
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var order PendingOrder
		if err := snap.DataTo(&order); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &order)
	}
	return out, nil
}

func (s *FirestoreStore) GetOrder(ctx context.Context, id string) (*PendingOrder, error) {
	snap, err := s.orderDoc(id).Get(ctx)
	if err != nil {
		if isFirestoreNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var order PendingOrder
	if err := snap.DataTo(&order); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", id, err)
	}
	return &order, nil
}

// ClaimNextDueOrder queries candidates outside the transaction, then
// re-checks and flips one inside it. Losing the race on a candidate moves on
// to the next one instead of failing the tick.
func (s *FirestoreStore) ClaimNextDueOrder(ctx context.Context, now time.Time) (*PendingOrder, error) {
	iter := s.client.Collection(colOrders).
		Where("status", "in", []string{string(OrderStatusPending), string(OrderStatusRetry)}).
		Where("nextRetryAt", "<=", now.UTC()).
		OrderBy("nextRetryAt", firestore.Asc).
		Limit(10).
		Documents(ctx)
	defer iter.Stop()

	var candidates []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, snap.Ref.ID)
	}

	for _, id := range candidates {
		var claimed *PendingOrder
		err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
			order, err := s.getOrderTx(tx, id)
			if err != nil {
				return err
			}
			claimable := order.Status == OrderStatusPending || order.Status == OrderStatusRetry
			if !claimable || order.NextRetryAt.After(now) {
				return ErrConflict
			}
			order.Status = OrderStatusProcessing
			order.UpdatedAt = now.UTC()
			claimed = order
			return tx.Set(s.orderDoc(id), order)
		})
		if err == nil {
			return claimed, nil
		}
		if err == ErrConflict || err == ErrNotFound {
			continue // another executor got there first
		}
		return nil, err
	}
	return nil, ErrNoDueOrders
}

func (s *FirestoreStore) MarkOrderSubmitted(ctx context.Context, orderID, txid string, now time.Time) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		order, err := s.getOrderTx(tx, orderID)
		if err != nil {
			return err
		}
		if order.TxID == txid && order.Status == OrderStatusProcessing {
			return nil
		}
		if order.Status != OrderStatusProcessing {
			return ErrInvalidTransition
		}

		var bot *Bot
		var existing *firestore.DocumentRef
		if order.Side == exchange.SideBuy {
			bot, err = s.getBotTx(tx, order.BotID)
			if err != nil {
				return err
			}
			// A verification retry resubmits under the same order id; reuse
			// its pending entry instead of creating a second one.
			existing, err = s.pendingEntryRefTx(tx, order)
			if err != nil {
				return err
			}
		}

		order.TxID = txid
		order.UpdatedAt = now.UTC()
		if err := tx.Set(s.orderDoc(orderID), order); err != nil {
			return err
		}

		if order.Side == exchange.SideBuy && existing == nil {
			entry := &Entry{
				ID:          uuid.NewString(),
				BotID:       order.BotID,
				CycleID:     bot.CycleID,
				CycleNumber: bot.CycleNumber,
				EntryNumber: bot.CurrentEntryCount + 1,
				Timestamp:   now.UTC(),
				OrderID:     order.ID,
				Status:      EntryStatusPending,
				Source:      SourceBotExecution,
			}
			return tx.Create(s.entriesCol(order.BotID).Doc(entry.ID), entry)
		}
		return nil
	})
}

func (s *FirestoreStore) MarkOrderRetry(ctx context.Context, orderID, errMsg string, nextRetryAt, now time.Time) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		order, err := s.getOrderTx(tx, orderID)
		if err != nil {
			return err
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
		return tx.Set(s.orderDoc(orderID), order)
	})
}

func (s *FirestoreStore) MarkOrderVerifyRetry(ctx context.Context, orderID, errMsg string, nextRetryAt, now time.Time) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		order, err := s.getOrderTx(tx, orderID)
		if err != nil {
			return err
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
		return tx.Set(s.orderDoc(orderID), order)
	})
}

func (s *FirestoreStore) MarkOrderFailed(ctx context.Context, orderID, errMsg string, now time.Time) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		order, err := s.getOrderTx(tx, orderID)
		if err != nil {
			return err
		}
		if order.Status == OrderStatusFailed {
			return nil
		}
		if order.Status == OrderStatusCompleted {
			return ErrInvalidTransition
		}

		var pendingEntry *firestore.DocumentRef
		if order.Side == exchange.SideBuy {
			pendingEntry, err = s.pendingEntryRefTx(tx, order)
			if err != nil {
				return err
			}
		}

		order.Status = OrderStatusFailed
		order.LastError = errMsg
		order.Errors = append(order.Errors, OrderError{At: now.UTC(), Message: errMsg})
		order.UpdatedAt = now.UTC()
		if err := tx.Set(s.orderDoc(orderID), order); err != nil {
			return err
		}

		if pendingEntry != nil {
			if err := tx.Update(pendingEntry, []firestore.Update{
				{Path: "status", Value: string(EntryStatusFailed)},
			}); err != nil {
				return err
			}
		}

		rec := newExecutionRecord(order, now.UTC())
		return tx.Create(s.client.Collection(colExecutions).Doc(rec.ID), rec)
	})
}

// pendingEntryRefTx finds the pending entry created for a buy order, if any.
func (s *FirestoreStore) pendingEntryRefTx(tx *firestore.Transaction, order *PendingOrder) (*firestore.DocumentRef, error) {
	iter := tx.Documents(s.entriesCol(order.BotID).
		Where("orderId", "==", order.ID).
		Where("status", "==", string(EntryStatusPending)).
		Limit(1))
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap.Ref, nil
}

func (s *FirestoreStore) RecordFill(ctx context.Context, orderID string, fill Fill) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		order, err := s.getOrderTx(tx, orderID)
		if err != nil {
			return err
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

		bot, err := s.getBotTx(tx, order.BotID)
		if err != nil {
			return err
		}

		var entryRef *firestore.DocumentRef
		if order.Side == exchange.SideBuy {
			entryRef, err = s.pendingEntryRefTx(tx, order)
			if err != nil {
				return err
			}
		}

		ts := fill.Timestamp.UTC()
		price := fill.Cost / fill.ExecutedVolume

		switch order.Side {
		case exchange.SideBuy:
			bot.CurrentEntryCount++
			bot.TotalInvested += fill.Cost
			bot.TotalVolume += fill.ExecutedVolume
			bot.RecomputeAverage()
			bot.LastEntryPrice = price
			bot.LastEntryTime = &ts

			if entryRef != nil {
				if err := tx.Update(entryRef, []firestore.Update{
					{Path: "status", Value: string(EntryStatusFilled)},
					{Path: "price", Value: price},
					{Path: "quantity", Value: fill.ExecutedVolume},
					{Path: "orderAmount", Value: fill.Cost},
					{Path: "timestamp", Value: ts},
					{Path: "entryNumber", Value: bot.CurrentEntryCount},
				}); err != nil {
					return err
				}
			}

		case exchange.SideSell:
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
			} else {
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

		default:
			return ErrInvalidTransition
		}

		order.Status = OrderStatusCompleted
		order.TxID = fill.TxID
		order.UpdatedAt = ts
		bot.UpdatedAt = ts

		if err := tx.Set(s.orderDoc(orderID), order); err != nil {
			return err
		}
		if err := tx.Set(s.botDoc(bot.ID), bot); err != nil {
			return err
		}

		rec := newExecutionRecord(order, ts)
		rec.Volume = fill.ExecutedVolume
		rec.Cost = fill.Cost
		rec.Fee = fill.Fee
		return tx.Create(s.client.Collection(colExecutions).Doc(rec.ID), rec)
	})
}

func (s *FirestoreStore) RevertExit(ctx context.Context, botID, reason string, now time.Time) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		bot, err := s.getBotTx(tx, botID)
		if err != nil {
			return err
		}
		if bot.Status != BotStatusExiting {
			return ErrConflict
		}
		ts := now.UTC()
		return tx.Update(s.botDoc(botID), []firestore.Update{
			{Path: "status", Value: string(BotStatusActive)},
			{Path: "lastFailedExitReason", Value: reason},
			{Path: "lastFailedExitTime", Value: ts},
			{Path: "updatedAt", Value: ts},
		})
	})
}

func (s *FirestoreStore) ReapStuckOrders(ctx context.Context, cutoff, now time.Time) (int, error) {
	iter := s.client.Collection(colOrders).
		Where("status", "==", string(OrderStatusProcessing)).
		Where("updatedAt", "<", cutoff.UTC()).
		Documents(ctx)
	defer iter.Stop()

	var stuck []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, err
		}
		stuck = append(stuck, snap.Ref.ID)
	}

	reaped := 0
	for _, id := range stuck {
		err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
			order, err := s.getOrderTx(tx, id)
			if err != nil {
				return err
			}
			if order.Status != OrderStatusProcessing || !order.UpdatedAt.Before(cutoff) {
				return ErrConflict
			}
			order.Status = OrderStatusRetry
			order.NextRetryAt = now.UTC()
			order.LastError = "stuck in processing past watchdog timeout"
			order.Errors = append(order.Errors, OrderError{At: now.UTC(), Message: order.LastError})
			order.UpdatedAt = now.UTC()
			return tx.Set(s.orderDoc(id), order)
		})
		if err == nil {
			reaped++
			continue
		}
		if err == ErrConflict || err == ErrNotFound {
			continue
		}
		return reaped, err
	}
	return reaped, nil
}

func (s *FirestoreStore) RecoverAbandonedExits(ctx context.Context, errorThreshold int, now time.Time) (int, error) {
	iter := s.client.Collection(colOrders).
		Where("status", "==", string(OrderStatusFailed)).
		Where("side", "==", string(exchange.SideSell)).
		Documents(ctx)
	defer iter.Stop()

	type candidate struct {
		orderID string
		botID   string
	}
	var candidates []candidate
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, err
		}
		var order PendingOrder
		if err := snap.DataTo(&order); err != nil {
			return 0, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		if len(order.Errors) > errorThreshold {
			candidates = append(candidates, candidate{orderID: order.ID, botID: order.BotID})
		}
	}

	recovered := 0
	for _, c := range candidates {
		err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
			bot, err := s.getBotTx(tx, c.botID)
			if err != nil {
				return err
			}
			if bot.Status != BotStatusExiting {
				return ErrConflict
			}
			ts := now.UTC()
			if err := tx.Update(s.botDoc(c.botID), []firestore.Update{
				{Path: "status", Value: string(BotStatusActive)},
				{Path: "lastFailedExitReason", Value: "abandoned, infinite retry"},
				{Path: "lastFailedExitTime", Value: ts},
				{Path: "updatedAt", Value: ts},
			}); err != nil {
				return err
			}
			return tx.Update(s.orderDoc(c.orderID), []firestore.Update{
				{Path: "lastError", Value: "abandoned, infinite retry"},
				{Path: "updatedAt", Value: ts},
			})
		})
		if err == nil {
			recovered++
			continue
		}
		if err == ErrConflict || err == ErrNotFound {
			continue
		}
		return recovered, err
	}
	return recovered, nil
}

func (s *FirestoreStore) SaveRunSummary(ctx context.Context, summary *RunSummary) error {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	_, err := s.client.Collection(colRuns).Doc(summary.ID).Set(ctx, summary)
	return err
}
