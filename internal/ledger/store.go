package ledger

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrConflict is returned when a conditional update lost the race or an
	// in-flight order already occupies the bot's slot. Callers treat it as
	// "another worker won" and move on.
	ErrConflict = errors.New("ledger: conflict")

	// ErrNoDueOrders is returned by ClaimNextDueOrder when the queue has
	// nothing claimable.
	ErrNoDueOrders = errors.New("ledger: no due orders")

	// ErrInvalidTransition is returned when a mutator is applied to a record
	// in an incompatible state.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
)

// Store is the single writer path over bots, entries and the pending-order
// queue. Every mutator is transactional and idempotent with respect to
// (order id, status); implementations serialize bot and order transitions
// with per-document conditional updates.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateBot validates the config, opens cycle 1 and persists the bot.
	CreateBot(ctx context.Context, bot *Bot) error

	GetBot(ctx context.Context, id string) (*Bot, error)
	ListBotsByStatus(ctx context.Context, status BotStatus) ([]*Bot, error)

	// SetBotStatus flips a bot between statuses with a CAS on the current
	// status (ErrConflict when the bot moved underneath).
	SetBotStatus(ctx context.Context, botID string, from, to BotStatus) error

	// SetMaxPriceSinceTP records the post-TP high-water mark; values below
	// the stored one are ignored.
	SetMaxPriceSinceTP(ctx context.Context, botID string, price float64) error

	// ListEntries returns the entries of one cycle ordered by entry number.
	ListEntries(ctx context.Context, botID, cycleID string) ([]*Entry, error)

	// AppendPendingOrder inserts an order intent after verifying no
	// conflicting in-flight order exists for the bot (same side). When
	// markExiting is set (sell intents), the bot transitions active->exiting
	// in the same transaction.
	AppendPendingOrder(ctx context.Context, order *PendingOrder, markExiting bool) error

	// InFlightOrders returns the bot's orders with status pending,
	// processing or retry.
	InFlightOrders(ctx context.Context, botID string) ([]*PendingOrder, error)

	GetOrder(ctx context.Context, id string) (*PendingOrder, error)

	// ClaimNextDueOrder atomically selects one order with status in
	// {pending, retry} and nextRetryAt <= now, flips it to processing and
	// returns it. Two executors can never claim the same row.
	ClaimNextDueOrder(ctx context.Context, now time.Time) (*PendingOrder, error)

	// MarkOrderSubmitted records the exchange txid on a processing order and,
	// for buys, creates the cycle's next pending entry.
	MarkOrderSubmitted(ctx context.Context, orderID, txid string, now time.Time) error

	// MarkOrderRetry schedules another attempt and appends to the error
	// history.
	MarkOrderRetry(ctx context.Context, orderID, errMsg string, nextRetryAt, now time.Time) error

	// MarkOrderVerifyRetry is MarkOrderRetry plus a bump of the order's
	// verification-retry counter; a canceled or expired verification is
	// retried at most once.
	MarkOrderVerifyRetry(ctx context.Context, orderID, errMsg string, nextRetryAt, now time.Time) error

	// MarkOrderFailed finishes the order permanently. Pending buy entries are
	// marked failed.
	MarkOrderFailed(ctx context.Context, orderID, errMsg string, now time.Time) error

	// RecordFill writes the verified execution into bot state in one
	// transaction: buys fill the pending entry and update the aggregates;
	// full-exit sells close the cycle. Re-applying with the same txid is a
	// no-op.
	RecordFill(ctx context.Context, orderID string, fill Fill) error

	// RevertExit returns a bot from exiting to active after a failed sell,
	// recording the reason.
	RevertExit(ctx context.Context, botID, reason string, now time.Time) error

	// ReapStuckOrders flips processing orders not touched since cutoff back
	// to retry (nextRetryAt = now) and returns how many were reaped.
	ReapStuckOrders(ctx context.Context, cutoff, now time.Time) (int, error)

	// RecoverAbandonedExits releases bots stuck in exiting whose failed sell
	// accumulated more than errorThreshold errors.
	RecoverAbandonedExits(ctx context.Context, errorThreshold int, now time.Time) (int, error)

	// SaveRunSummary appends a scheduler run record to the systemLogs
	// collection.
	SaveRunSummary(ctx context.Context, summary *RunSummary) error
}
