package broker

import (
	"context"
	"testing"

	"fundingfarmer/src/model"

	"github.com/shopspring/decimal"
)

type fixedPrices map[string]decimal.Decimal

func (f fixedPrices) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	return f[symbol], nil
}

func TestPaperLifecycle(t *testing.T) {
	prices := fixedPrices{"BTCUSDT": d("50000")}
	gw := NewPaper(prices, d("1000"))

	result, err := gw.Open(context.Background(), OpenRequest{
		Symbol:   "BTCUSDT",
		Side:     model.SideShort,
		Quantity: d("0.001"),
		Leverage: 10,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if result.PositionID == "" || !result.EntryPrice.Equal(d("50000")) {
		t.Fatalf("unexpected open result %+v", result)
	}

	// short gains when the price drops
	prices["BTCUSDT"] = d("49000")
	pnl, err := gw.UnrealizedPnL(context.Background(), result.PositionID)
	if err != nil {
		t.Fatalf("pnl failed: %v", err)
	}
	if !pnl.Equal(d("1")) {
		t.Fatalf("expected pnl 1, got %s", pnl)
	}

	open, err := gw.ListOpenPositions(context.Background())
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 open position, got %d (%v)", len(open), err)
	}

	if err := gw.Close(context.Background(), result.PositionID); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// idempotent second close
	if err := gw.Close(context.Background(), result.PositionID); err != nil {
		t.Fatalf("second close must be success, got %v", err)
	}

	if _, err := gw.UnrealizedPnL(context.Background(), result.PositionID); err == nil {
		t.Fatal("pnl for a closed paper position must error")
	}
}
