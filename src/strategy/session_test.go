package strategy

import (
	"testing"
	"time"

	"fundingfarmer/src/model"

	"github.com/shopspring/decimal"
)

func closedTrade(pnl, funding string) *model.Position {
	realized := d(pnl)
	return &model.Position{
		RealizedPnL:   &realized,
		FundingAmount: d(funding),
	}
}

func TestSessionCountersAccumulate(t *testing.T) {
	s := NewSession(testNow)
	s.RecordTrade(closedTrade("1.5", "0.8"))
	s.RecordTrade(closedTrade("-0.5", "0.2"))

	day, trades, wins, losses, pnl, funding := s.Counters()
	if day != "2025-06-15" {
		t.Fatalf("unexpected day %q", day)
	}
	if trades != 2 || wins != 1 || losses != 1 {
		t.Fatalf("counters wrong: %d trades %dW/%dL", trades, wins, losses)
	}
	if !pnl.Equal(d("1")) || !funding.Equal(d("1")) {
		t.Fatalf("pnl %s funding %s", pnl, funding)
	}
}

func TestSessionFoldsFirstLegFunding(t *testing.T) {
	s := NewSession(testNow)
	trade := closedTrade("0.3", "0.1")
	firstLeg := d("0.4")
	trade.FirstLegFunding = &firstLeg
	s.RecordTrade(trade)

	_, _, _, _, _, funding := s.Counters()
	if !funding.Equal(d("0.5")) {
		t.Fatalf("first-leg funding not folded: %s", funding)
	}
}

func TestDailyLossBreached(t *testing.T) {
	s := NewSession(testNow)
	if s.DailyLossBreached(d("50")) {
		t.Fatal("fresh session cannot be breached")
	}

	s.RecordTrade(closedTrade("-50", "0"))
	if !s.DailyLossBreached(d("50")) {
		t.Fatal("loss at the cap must breach")
	}
	// A non-positive cap disables the check entirely.
	if s.DailyLossBreached(decimal.Zero) {
		t.Fatal("zero cap must disable the breach check")
	}
}

func TestRolloverEmitsSummaryAndResets(t *testing.T) {
	s := NewSession(testNow)
	s.RecordTrade(closedTrade("2", "1"))
	s.RecordTrade(closedTrade("-1", "0.5"))

	if _, ok := s.Rollover(testNow.Add(time.Hour)); ok {
		t.Fatal("same UTC day must not roll over")
	}

	summary, ok := s.Rollover(testNow.Add(24 * time.Hour))
	if !ok {
		t.Fatal("day change must roll over")
	}
	if summary.Day != "2025-06-15" || summary.Trades != 2 || summary.Wins != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !summary.WinRatePercent.Equal(d("50")) {
		t.Fatalf("win rate %s", summary.WinRatePercent)
	}
	if !summary.RealizedPnL.Equal(d("1")) || !summary.FundingCollected.Equal(d("1.5")) {
		t.Fatalf("summary economics wrong: %+v", summary)
	}

	day, trades, _, _, pnl, _ := s.Counters()
	if day != "2025-06-16" || trades != 0 || !pnl.Equal(decimal.Zero) {
		t.Fatalf("counters not reset: day %s trades %d pnl %s", day, trades, pnl)
	}
}

func TestSkipNotifyThrottle(t *testing.T) {
	s := NewSession(testNow)
	interval := 15 * time.Minute

	if !s.ShouldNotifySkip("AUSDT", "spread", testNow, interval) {
		t.Fatal("first skip must notify")
	}
	if s.ShouldNotifySkip("AUSDT", "spread", testNow.Add(time.Minute), interval) {
		t.Fatal("repeat inside the interval must be throttled")
	}
	// Different reason and different symbol are separate keys.
	if !s.ShouldNotifySkip("AUSDT", "momentum", testNow.Add(time.Minute), interval) {
		t.Fatal("different guard must notify")
	}
	if !s.ShouldNotifySkip("BUSDT", "spread", testNow.Add(time.Minute), interval) {
		t.Fatal("different symbol must notify")
	}
	if !s.ShouldNotifySkip("AUSDT", "spread", testNow.Add(16*time.Minute), interval) {
		t.Fatal("after the interval the skip must notify again")
	}
}
