package broker

import (
	"context"

	"fundingfarmer/src/model"

	"github.com/shopspring/decimal"
)

// OpenRequest describes one market entry. StopLossPrice may be zero when no
// protective stop is wanted.
type OpenRequest struct {
	Symbol        string
	Side          model.Side
	Quantity      decimal.Decimal
	Leverage      int
	StopLossPrice decimal.Decimal
}

type OpenResult struct {
	PositionID string
	EntryPrice decimal.Decimal
}

// OpenPosition is one entry of the exchange's authoritative position list.
type OpenPosition struct {
	PositionID    string
	Symbol        string
	Side          model.Side
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Gateway is the broker boundary. Implementations must make Close
// idempotent: closing a position the exchange already considers closed is a
// success, not an error. Every call may fail with a transport error after
// internal retries; callers treat that as unknown, never as false.
type Gateway interface {
	Open(ctx context.Context, req OpenRequest) (*OpenResult, error)
	Close(ctx context.Context, positionID string) error
	UnrealizedPnL(ctx context.Context, positionID string) (*decimal.Decimal, error)
	ListOpenPositions(ctx context.Context) ([]OpenPosition, error)
	AvailableBalance(ctx context.Context) (*decimal.Decimal, error)
}

// State is the three-valued answer to "is this position open on the
// exchange?". Threading it through call sites keeps a failed lookup from
// being silently read as "closed" or "zero PnL".
type State int

const (
	StateUnknown State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "confirmed-open"
	case StateClosed:
		return "confirmed-closed"
	default:
		return "unknown"
	}
}

// ResolveState checks the authoritative position list for positionID. A
// listing failure yields StateUnknown so the caller can hold instead of
// acting on a guess.
func ResolveState(ctx context.Context, gw Gateway, positionID string) State {
	open, err := gw.ListOpenPositions(ctx)
	if err != nil {
		return StateUnknown
	}
	for _, p := range open {
		if p.PositionID == positionID {
			return StateOpen
		}
	}
	return StateClosed
}
