package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the side a reversed leg trades on.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Phase tags which leg of the farming strategy a position belongs to.
// A position only ever moves pre_settlement -> reversed, and a reversed
// leg never reverses again.
type Phase string

const (
	PhasePreSettlement Phase = "pre_settlement"
	PhaseReversed      Phase = "reversed"
)

// Position is the central entity: one leveraged perp position opened to
// farm a funding settlement. Money fields are decimals end to end so the
// persisted form round-trips without float drift; quantity in particular
// must stay on the exchange step grid.
type Position struct {
	PositionID string `json:"position_id"`
	Symbol     string `json:"symbol"`
	Side       Side   `json:"side"`

	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   int             `json:"leverage"`

	ExpectedFundingRate   decimal.Decimal `json:"expected_funding_rate"`
	FundingSettlementTime time.Time       `json:"funding_settlement_time"`
	EntryTime             time.Time       `json:"entry_time"`

	FundingReceived bool            `json:"funding_received"`
	FundingAmount   decimal.Decimal `json:"funding_amount"`
	HighestPnL      decimal.Decimal `json:"highest_pnl"`

	ExitTime    *time.Time       `json:"exit_time,omitempty"`
	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	ExitReason  string           `json:"exit_reason,omitempty"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`

	Phase            Phase            `json:"phase"`
	ParentPositionID string           `json:"parent_position_id,omitempty"`
	FirstLegPnL      *decimal.Decimal `json:"first_leg_pnl,omitempty"`
	FirstLegFunding  *decimal.Decimal `json:"first_leg_funding,omitempty"`
}

// Active reports whether the position is still open. exit_time is the
// single source of truth for liveness.
func (p *Position) Active() bool {
	return p.ExitTime == nil
}

// Notional is quantity x entry price, the nominal exposure before leverage.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// Margin is the capital actually at risk: notional / leverage. A
// non-positive leverage degrades to the full notional rather than
// dividing by zero.
func (p *Position) Margin() decimal.Decimal {
	notional := p.Notional()
	if p.Leverage <= 0 {
		return notional
	}
	return notional.Div(decimal.NewFromInt(int64(p.Leverage)))
}

// TotalPnL is unrealized PnL plus any funding credit already booked on
// this leg.
func (p *Position) TotalPnL(unrealized decimal.Decimal) decimal.Decimal {
	return unrealized.Add(p.FundingAmount)
}

// FirstLegTotal is the economics carried over from a retired
// pre-settlement leg; zero for positions that never reversed.
func (p *Position) FirstLegTotal() decimal.Decimal {
	total := decimal.Zero
	if p.FirstLegPnL != nil {
		total = total.Add(*p.FirstLegPnL)
	}
	if p.FirstLegFunding != nil {
		total = total.Add(*p.FirstLegFunding)
	}
	return total
}

// HoldDuration is how long the position has been (or was) held.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	if p.ExitTime != nil {
		return p.ExitTime.Sub(p.EntryTime)
	}
	return now.Sub(p.EntryTime)
}

// Normalize fills defaults for records loaded from persisted state that
// predate newer fields.
func (p *Position) Normalize() {
	if p.Phase == "" {
		p.Phase = PhasePreSettlement
	}
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing the store-owned record.
func (p *Position) Clone() *Position {
	cp := *p
	if p.ExitTime != nil {
		t := *p.ExitTime
		cp.ExitTime = &t
	}
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		cp.ExitPrice = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		cp.RealizedPnL = &v
	}
	if p.FirstLegPnL != nil {
		v := *p.FirstLegPnL
		cp.FirstLegPnL = &v
	}
	if p.FirstLegFunding != nil {
		v := *p.FirstLegFunding
		cp.FirstLegFunding = &v
	}
	return &cp
}
