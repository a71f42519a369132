package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"dca-engine/internal/exchange"
)

// BotStatus is the operational state of a bot.
type BotStatus string

const (
	BotStatusActive    BotStatus = "active"
	BotStatusPaused    BotStatus = "paused"
	BotStatusExiting   BotStatus = "exiting"
	BotStatusCompleted BotStatus = "completed"
	BotStatusStopped   BotStatus = "stopped"
)

// OrderStatus is the queue state of a pending order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusRetry      OrderStatus = "retry"
)

// InFlight reports whether the order still occupies the bot's single
// in-flight slot for its side.
func (s OrderStatus) InFlight() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing || s == OrderStatusRetry
}

// EntryStatus is the lifecycle state of a buy entry.
type EntryStatus string

const (
	EntryStatusPending EntryStatus = "pending"
	EntryStatusFilled  EntryStatus = "filled"
	EntryStatusFailed  EntryStatus = "failed"
)

// EntrySource records how an entry reached the ledger.
type EntrySource string

const (
	SourceBotExecution EntrySource = "bot_execution"
	SourceExternalSync EntrySource = "external_sync"
)

// BotConfig is the immutable strategy configuration, editable only while the
// bot is paused.
type BotConfig struct {
	Symbol                   string  `firestore:"symbol" json:"symbol"`
	InitialOrderAmount       float64 `firestore:"initialOrderAmount" json:"initialOrderAmount"` // USD
	TradeMultiplier          float64 `firestore:"tradeMultiplier" json:"tradeMultiplier"`       // >= 1
	ReEntryCount             int     `firestore:"reEntryCount" json:"reEntryCount"`             // max entries per cycle, >= 1
	StepPercent              float64 `firestore:"stepPercent" json:"stepPercent"`               // initial drop %
	StepMultiplier           float64 `firestore:"stepMultiplier" json:"stepMultiplier"`         // step growth
	TPTarget                 float64 `firestore:"tpTarget" json:"tpTarget"`                     // % above average cost
	SupportResistanceEnabled bool    `firestore:"supportResistanceEnabled" json:"supportResistanceEnabled"`
	ReEntryDelayMinutes      int     `firestore:"reEntryDelayMinutes" json:"reEntryDelayMinutes"`
	TrendAlignmentEnabled    bool    `firestore:"trendAlignmentEnabled" json:"trendAlignmentEnabled"`
	ExitPercent              float64 `firestore:"exitPercent" json:"exitPercent"` // fraction of holdings sold on exit
}

// Validate checks the configuration bounds.
func (c BotConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.InitialOrderAmount <= 0 {
		return fmt.Errorf("initial order amount must be positive")
	}
	if c.TradeMultiplier < 1 {
		return fmt.Errorf("trade multiplier must be >= 1")
	}
	if c.ReEntryCount < 1 {
		return fmt.Errorf("re-entry count must be >= 1")
	}
	if c.StepPercent < 0 || c.StepPercent >= 100 {
		return fmt.Errorf("step percent must be in [0, 100)")
	}
	if c.StepMultiplier < 1 {
		return fmt.Errorf("step multiplier must be >= 1")
	}
	if c.TPTarget <= 0 {
		return fmt.Errorf("take-profit target must be positive")
	}
	if c.ReEntryDelayMinutes < 0 {
		return fmt.Errorf("re-entry delay must be >= 0")
	}
	if c.ExitPercent <= 0 || c.ExitPercent > 1 {
		return fmt.Errorf("exit percent must be in (0, 1]")
	}
	return nil
}

// CycleSummary is the record appended to a bot when a cycle closes.
type CycleSummary struct {
	CycleID     string    `firestore:"cycleId" json:"cycleId"`
	CycleNumber int       `firestore:"cycleNumber" json:"cycleNumber"`
	StartTime   time.Time `firestore:"startTime" json:"startTime"`
	EndTime     time.Time `firestore:"endTime" json:"endTime"`
	Invested    float64   `firestore:"invested" json:"invested"`
	Recovered   float64   `firestore:"recovered" json:"recovered"`
	RealizedPnL float64   `firestore:"realizedPnl" json:"realizedPnl"`
}

// Bot is one user's automated DCA strategy for one trading pair.
type Bot struct {
	ID     string    `firestore:"id" json:"id"`
	UserID string    `firestore:"userId" json:"userId"`
	Config BotConfig `firestore:"config" json:"config"`

	Status BotStatus `firestore:"status" json:"status"`

	CurrentEntryCount int     `firestore:"currentEntryCount" json:"currentEntryCount"`
	TotalInvested     float64 `firestore:"totalInvested" json:"totalInvested"`
	TotalVolume       float64 `firestore:"totalVolume" json:"totalVolume"`
	AverageEntryPrice float64 `firestore:"averageEntryPrice" json:"averageEntryPrice"`

	CycleID        string         `firestore:"cycleId" json:"cycleId"`
	CycleNumber    int            `firestore:"cycleNumber" json:"cycleNumber"`
	CycleStartTime time.Time      `firestore:"cycleStartTime" json:"cycleStartTime"`
	PreviousCycles []CycleSummary `firestore:"previousCycles" json:"previousCycles"`

	LastEntryTime  *time.Time `firestore:"lastEntryTime" json:"lastEntryTime,omitempty"`
	LastEntryPrice float64    `firestore:"lastEntryPrice" json:"lastEntryPrice"`
	LastExitTime   *time.Time `firestore:"lastExitTime" json:"lastExitTime,omitempty"`
	LastExitPrice  float64    `firestore:"lastExitPrice" json:"lastExitPrice"`

	// MaxPriceSinceTP tracks the high-water mark after price first crossed the
	// take-profit level in the current cycle; zero until the cross happens.
	MaxPriceSinceTP float64 `firestore:"maxPriceSinceTp" json:"maxPriceSinceTp"`

	LastFailedExitReason string     `firestore:"lastFailedExitReason" json:"lastFailedExitReason,omitempty"`
	LastFailedExitTime   *time.Time `firestore:"lastFailedExitTime" json:"lastFailedExitTime,omitempty"`

	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt" json:"updatedAt"`
}

// RecomputeAverage refreshes the derived average entry price.
func (b *Bot) RecomputeAverage() {
	if b.TotalVolume > 0 {
		b.AverageEntryPrice = b.TotalInvested / b.TotalVolume
	} else {
		b.AverageEntryPrice = 0
	}
}

// Entry is a single buy within a cycle.
type Entry struct {
	ID          string      `firestore:"id" json:"id"`
	BotID       string      `firestore:"botId" json:"botId"`
	CycleID     string      `firestore:"cycleId" json:"cycleId"`
	CycleNumber int         `firestore:"cycleNumber" json:"cycleNumber"`
	EntryNumber int         `firestore:"entryNumber" json:"entryNumber"` // 1-based within cycle
	OrderAmount float64     `firestore:"orderAmount" json:"orderAmount"` // quote spent
	Price       float64     `firestore:"price" json:"price"`
	Quantity    float64     `firestore:"quantity" json:"quantity"` // base filled
	Timestamp   time.Time   `firestore:"timestamp" json:"timestamp"`
	OrderID     string      `firestore:"orderId" json:"orderId"`
	Status      EntryStatus `firestore:"status" json:"status"`
	Source      EntrySource `firestore:"source" json:"source"`
}

// OrderError is one element of a pending order's error history.
type OrderError struct {
	At      time.Time `firestore:"at" json:"at"`
	Message string    `firestore:"message" json:"message"`
}

// PendingOrder is a persisted intent that something should be sent to the
// exchange; the queue row the executor acts on.
type PendingOrder struct {
	ID             string             `firestore:"id" json:"id"`
	BotID          string             `firestore:"botId" json:"botId"`
	UserID         string             `firestore:"userId" json:"userId"`
	Symbol         string             `firestore:"symbol" json:"symbol"`
	NormalizedPair string             `firestore:"normalizedPair" json:"normalizedPair"`
	Side           exchange.Side      `firestore:"side" json:"side"`
	Type           exchange.OrderType `firestore:"type" json:"type"`
	Volume         float64            `firestore:"volume" json:"volume"` // base units, precision-adjusted
	Price          float64            `firestore:"price" json:"price,omitempty"`

	Status      OrderStatus  `firestore:"status" json:"status"`
	Attempts    int          `firestore:"attempts" json:"attempts"`
	MaxAttempts int          `firestore:"maxAttempts" json:"maxAttempts"`
	NextRetryAt time.Time    `firestore:"nextRetryAt" json:"nextRetryAt"`
	LastError   string       `firestore:"lastError" json:"lastError,omitempty"`
	Errors      []OrderError `firestore:"errors" json:"errors,omitempty"`

	// VerifyRetries counts canceled/expired verifications already retried;
	// a second one fails the order.
	VerifyRetries int `firestore:"verifyRetries" json:"verifyRetries"`

	TxID string `firestore:"txid" json:"txid,omitempty"` // exchange transaction id once submitted

	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt" json:"updatedAt"`
}

// Fill is the verified execution result written back through RecordFill.
type Fill struct {
	TxID           string
	ExecutedVolume float64 // base units
	Cost           float64 // quote units (gross proceeds for sells, spend for buys)
	Fee            float64
	Timestamp      time.Time
}

// ExecutionRecord is the per-order audit row written when an order reaches a
// terminal state (botExecutions collection).
type ExecutionRecord struct {
	ID        string        `firestore:"id" json:"id"`
	OrderID   string        `firestore:"orderId" json:"orderId"`
	BotID     string        `firestore:"botId" json:"botId"`
	UserID    string        `firestore:"userId" json:"userId"`
	Symbol    string        `firestore:"symbol" json:"symbol"`
	Side      exchange.Side `firestore:"side" json:"side"`
	TxID      string        `firestore:"txid" json:"txid,omitempty"`
	Status    OrderStatus   `firestore:"status" json:"status"`
	Volume    float64       `firestore:"volume" json:"volume"`
	Cost      float64       `firestore:"cost" json:"cost"`
	Fee       float64       `firestore:"fee" json:"fee"`
	Attempts  int           `firestore:"attempts" json:"attempts"`
	Error     string        `firestore:"error" json:"error,omitempty"`
	Timestamp time.Time     `firestore:"timestamp" json:"timestamp"`
}

// newExecutionRecord snapshots a terminal order into its audit row.
func newExecutionRecord(order *PendingOrder, ts time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		BotID:     order.BotID,
		UserID:    order.UserID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		TxID:      order.TxID,
		Status:    order.Status,
		Volume:    order.Volume,
		Attempts:  order.Attempts,
		Error:     order.LastError,
		Timestamp: ts,
	}
}

// RunSummary is one scheduler run's audit record (systemLogs collection).
type RunSummary struct {
	ID           string            `firestore:"id" json:"id"`
	StartedAt    time.Time         `firestore:"startedAt" json:"startedAt"`
	FinishedAt   time.Time         `firestore:"finishedAt" json:"finishedAt"`
	TotalBots    int               `firestore:"totalBots" json:"totalBots"`
	Processed    int               `firestore:"processed" json:"processed"`
	Enters       int               `firestore:"enters" json:"enters"`
	Exits        int               `firestore:"exits" json:"exits"`
	Skipped      int               `firestore:"skipped" json:"skipped"`
	Failed       int               `firestore:"failed" json:"failed"`
	ReasonCounts map[string]int    `firestore:"reasonCounts" json:"reasonCounts"`
	Details      []RunDetail       `firestore:"details" json:"details"`
}

// RunDetail is one bot's outcome within a run.
type RunDetail struct {
	BotID   string `firestore:"botId" json:"botId"`
	Symbol  string `firestore:"symbol" json:"symbol"`
	Outcome string `firestore:"outcome" json:"outcome"` // enter, exit, hold, skip, error
	Reason  string `firestore:"reason" json:"reason,omitempty"`
}

// NewCycleID derives a cycle id from its opening time.
func NewCycleID(now time.Time) string {
	return fmt.Sprintf("cycle_%d", now.UnixMilli())
}
