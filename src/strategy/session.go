package strategy

import (
	"sync"
	"time"

	"fundingfarmer/src/model"
	"fundingfarmer/src/notify"
	"fundingfarmer/src/utils"

	"github.com/shopspring/decimal"
)

// Session owns the per-UTC-day counters and the skip-notification cache.
// One instance per engine; nothing here is global, so tests construct
// isolated sessions freely. The driver loop is the only writer; the status
// server and command poller read through the mutex.
type Session struct {
	mu sync.Mutex

	day              string
	trades           int
	wins             int
	losses           int
	realizedPnL      decimal.Decimal
	fundingCollected decimal.Decimal

	skipNotified map[string]time.Time
}

func NewSession(now time.Time) *Session {
	return &Session{
		day:              utils.DayKey(now),
		realizedPnL:      decimal.Zero,
		fundingCollected: decimal.Zero,
		skipNotified:     make(map[string]time.Time),
	}
}

// RecordTrade folds a completed trade into the daily counters.
func (s *Session) RecordTrade(pos *model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades++
	if pos.RealizedPnL != nil {
		s.realizedPnL = s.realizedPnL.Add(*pos.RealizedPnL)
		if pos.RealizedPnL.IsPositive() {
			s.wins++
		} else {
			s.losses++
		}
	}
	s.fundingCollected = s.fundingCollected.Add(pos.FundingAmount)
	if pos.FirstLegFunding != nil {
		s.fundingCollected = s.fundingCollected.Add(*pos.FirstLegFunding)
	}
}

func (s *Session) DailyPnL() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realizedPnL
}

// DailyLossBreached reports whether today's realized loss has reached the
// cap; entries are then suppressed for the rest of the UTC day.
func (s *Session) DailyLossBreached(maxLossUSD decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxLossUSD.LessThanOrEqual(decimal.Zero) {
		return false
	}
	return s.realizedPnL.LessThanOrEqual(maxLossUSD.Neg())
}

// Rollover detects the UTC midnight boundary. On a day change it returns
// the closing day's summary and resets every counter; otherwise ok is
// false.
func (s *Session) Rollover(now time.Time) (summary notify.DailySummaryEvent, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := utils.DayKey(now)
	if today == s.day {
		return notify.DailySummaryEvent{}, false
	}

	winRate := decimal.Zero
	if s.trades > 0 {
		winRate = decimal.NewFromInt(int64(s.wins)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(s.trades))).Round(1)
	}
	summary = notify.DailySummaryEvent{
		Day:              s.day,
		Trades:           s.trades,
		Wins:             s.wins,
		Losses:           s.losses,
		WinRatePercent:   winRate,
		RealizedPnL:      s.realizedPnL,
		FundingCollected: s.fundingCollected,
	}

	s.day = today
	s.trades, s.wins, s.losses = 0, 0, 0
	s.realizedPnL = decimal.Zero
	s.fundingCollected = decimal.Zero
	// Skip throttling resets with the day as well.
	s.skipNotified = make(map[string]time.Time)

	return summary, true
}

// ShouldNotifySkip throttles skip notifications to one per symbol+reason
// per interval.
func (s *Session) ShouldNotifySkip(symbol, reason string, now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := symbol + "|" + reason
	if last, seen := s.skipNotified[key]; seen && now.Sub(last) < interval {
		return false
	}
	s.skipNotified[key] = now
	return true
}

// Counters returns a consistent snapshot for status reporting.
func (s *Session) Counters() (day string, trades, wins, losses int, pnl, funding decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.day, s.trades, s.wins, s.losses, s.realizedPnL, s.fundingCollected
}
