package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Event is a structured notification record. Events carry plain data only;
// the sender that receives them owns presentation.
type Event interface {
	Kind() string
}

type OpportunityEvent struct {
	Symbol         string
	Rate           decimal.Decimal
	Side           string
	TimeToSettle   time.Duration
	Volume24h      decimal.Decimal
}

func (OpportunityEvent) Kind() string { return "opportunity" }

type PositionOpenedEvent struct {
	PositionID   string
	Symbol       string
	Side         string
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	Leverage     int
	FundingRate  decimal.Decimal
	Settlement   time.Time
	MarginUSD    decimal.Decimal
	StopLoss     decimal.Decimal
}

func (PositionOpenedEvent) Kind() string { return "position_opened" }

type PositionClosedEvent struct {
	PositionID  string
	Symbol      string
	Side        string
	Phase       string
	Reason      string
	RealizedPnL decimal.Decimal
	Funding     decimal.Decimal
	HoldTime    time.Duration
	DailyPnL    decimal.Decimal
}

func (PositionClosedEvent) Kind() string { return "position_closed" }

type ReversalEvent struct {
	ParentPositionID string
	PositionID       string
	Symbol           string
	Side             string
	EntryPrice       decimal.Decimal
	FirstLegPnL      decimal.Decimal
	FirstLegFunding  decimal.Decimal
}

func (ReversalEvent) Kind() string { return "reversal_opened" }

type ReconciliationAlertEvent struct {
	PositionID string
	Symbol     string
	Side       string
	Detail     string
}

func (ReconciliationAlertEvent) Kind() string { return "reconciliation_alert" }

type DailySummaryEvent struct {
	Day              string
	Trades           int
	Wins             int
	Losses           int
	WinRatePercent   decimal.Decimal
	RealizedPnL      decimal.Decimal
	FundingCollected decimal.Decimal
}

func (DailySummaryEvent) Kind() string { return "daily_summary" }

type SkipEvent struct {
	Symbol string
	Reason string
}

func (SkipEvent) Kind() string { return "skip" }

type ErrorEvent struct {
	Context string
	Err     string
}

func (ErrorEvent) Kind() string { return "error" }

type StartupEvent struct {
	DryRun       bool
	MaxPositions int
	MarginUSD    decimal.Decimal
}

func (StartupEvent) Kind() string { return "startup" }

type ShutdownEvent struct {
	ActivePositions int
}

func (ShutdownEvent) Kind() string { return "shutdown" }

// Notifier delivers events to wherever the operator is watching. Failures
// are the notifier's problem: publishing must never break the trading loop,
// so implementations log and swallow transport errors.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// Noop discards everything; used in tests and when notifications are off.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}
