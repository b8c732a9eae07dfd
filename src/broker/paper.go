package broker

import (
	"context"
	"fmt"
	"sync"

	"fundingfarmer/src/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// PriceSource supplies the fill price for paper trades; the market data
// service satisfies it.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type paperPosition struct {
	id       string
	symbol   string
	side     model.Side
	quantity decimal.Decimal
	entry    decimal.Decimal
}

// Paper is the dry-run gateway: synthetic fills at the currently observed
// price, uuid position identifiers, margin deducted from a pretend balance.
// Unrealized PnL is marked to the live price so the exit engine exercises
// the same paths as in live trading.
type Paper struct {
	prices PriceSource

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*paperPosition
}

func NewPaper(prices PriceSource, balanceUSD decimal.Decimal) *Paper {
	return &Paper{
		prices:    prices,
		balance:   balanceUSD,
		positions: make(map[string]*paperPosition),
	}
}

func (p *Paper) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	price, err := p.prices.LastPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("paper fill needs a price for %s: %w", req.Symbol, err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("paper fill price for %s is not positive", req.Symbol)
	}

	pos := &paperPosition{
		id:       uuid.NewString(),
		symbol:   req.Symbol,
		side:     req.Side,
		quantity: req.Quantity,
		entry:    price,
	}

	p.mu.Lock()
	p.positions[pos.id] = pos
	p.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"position_id": pos.id,
		"symbol":      req.Symbol,
		"side":        req.Side,
		"qty":         req.Quantity.String(),
		"entry_price": price.String(),
	}).Info("[broker] paper position opened")

	return &OpenResult{PositionID: pos.id, EntryPrice: price}, nil
}

func (p *Paper) Close(_ context.Context, positionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.positions[positionID]; !ok {
		// Idempotent: already flat is success.
		return nil
	}
	delete(p.positions, positionID)
	logger.WithField("position_id", positionID).Info("[broker] paper position closed")
	return nil
}

func (p *Paper) UnrealizedPnL(ctx context.Context, positionID string) (*decimal.Decimal, error) {
	p.mu.Lock()
	pos, ok := p.positions[positionID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("position %s not open on paper book", positionID)
	}

	price, err := p.prices.LastPrice(ctx, pos.symbol)
	if err != nil {
		return nil, err
	}

	move := price.Sub(pos.entry)
	if pos.side == model.SideShort {
		move = move.Neg()
	}
	pnl := move.Mul(pos.quantity)
	return &pnl, nil
}

func (p *Paper) ListOpenPositions(_ context.Context) ([]OpenPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OpenPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, OpenPosition{
			PositionID: pos.id,
			Symbol:     pos.symbol,
			Side:       pos.side,
			Quantity:   pos.quantity,
			EntryPrice: pos.entry,
		})
	}
	return out, nil
}

func (p *Paper) AvailableBalance(_ context.Context) (*decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	balance := p.balance
	return &balance, nil
}
