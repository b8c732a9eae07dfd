package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is the database mirror of a completed position, written once
// at exit when the trade database is enabled. The JSON ledger remains the
// source of truth; this table exists for operator queries.
//
// Position ids are deterministic per symbol and side on Bybit one-way mode,
// so the same id recurs every time a symbol is farmed again. Uniqueness is
// therefore scoped to (position_id, exit_time): retried writes of the same
// exit are rejected, repeat trades on a symbol are not.
type TradeRecord struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	PositionID string `gorm:"type:varchar(64);not null;uniqueIndex:ux_farming_trades_position_exit,priority:1" json:"position_id"`
	Symbol     string `gorm:"type:varchar(50);not null;index" json:"symbol"`
	Side       string `gorm:"type:varchar(8);not null" json:"side"`
	Phase      string `gorm:"type:varchar(20);not null" json:"phase"`

	Quantity   decimal.Decimal `gorm:"type:numeric;not null" json:"quantity"`
	EntryPrice decimal.Decimal `gorm:"type:numeric;not null" json:"entry_price"`
	ExitPrice  decimal.Decimal `gorm:"type:numeric;not null" json:"exit_price"`
	Leverage   int             `gorm:"not null" json:"leverage"`

	ExpectedFundingRate decimal.Decimal `gorm:"type:numeric;not null" json:"expected_funding_rate"`
	FundingAmount       decimal.Decimal `gorm:"type:numeric;not null" json:"funding_amount"`
	RealizedPnL         decimal.Decimal `gorm:"type:numeric;not null" json:"realized_pnl"`

	EntryTime  time.Time `gorm:"not null;index" json:"entry_time"`
	ExitTime   time.Time `gorm:"not null;index;uniqueIndex:ux_farming_trades_position_exit,priority:2" json:"exit_time"`
	ExitReason string    `gorm:"type:varchar(255)" json:"exit_reason"`

	ParentPositionID string `gorm:"type:varchar(64)" json:"parent_position_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (TradeRecord) TableName() string {
	return "farming_trades"
}

// NewTradeRecord flattens a terminal position into its table row. Optional
// pointer fields collapse to zero decimals so the row never carries NULL
// money columns.
func NewTradeRecord(p *Position) *TradeRecord {
	rec := &TradeRecord{
		PositionID:          p.PositionID,
		Symbol:              p.Symbol,
		Side:                string(p.Side),
		Phase:               string(p.Phase),
		Quantity:            p.Quantity,
		EntryPrice:          p.EntryPrice,
		Leverage:            p.Leverage,
		ExpectedFundingRate: p.ExpectedFundingRate,
		FundingAmount:       p.FundingAmount,
		EntryTime:           p.EntryTime,
		ExitReason:          p.ExitReason,
		ParentPositionID:    p.ParentPositionID,
	}
	if p.ExitPrice != nil {
		rec.ExitPrice = *p.ExitPrice
	}
	if p.RealizedPnL != nil {
		rec.RealizedPnL = *p.RealizedPnL
	}
	if p.ExitTime != nil {
		rec.ExitTime = *p.ExitTime
	}
	return rec
}
