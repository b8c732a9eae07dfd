package stats

import (
	"context"
	"fmt"
	"time"

	"fundingfarmer/src/database"
	"fundingfarmer/src/positions"
	"fundingfarmer/src/repository"
	"fundingfarmer/src/utils"

	"github.com/sirupsen/logrus"
)

const recentTrades = 10

// Stats reads the on-disk ledger and prints the aggregates the /stats
// Telegram command shows, plus the most recent trades.
type Stats struct {
	Log *logrus.Entry
}

func (s *Stats) Start() error {
	persist, err := positions.NewFilePersister(positions.GetConfig().DataDir)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}
	store, err := positions.NewManager(persist)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	aggregates := store.Stats()
	fmt.Printf("Trades:            %d (%dW/%dL, %s%% win rate)\n",
		aggregates.TotalTrades, aggregates.Wins, aggregates.Losses,
		aggregates.WinRatePercent.StringFixed(1))
	fmt.Printf("Total PnL:         $%s\n", aggregates.TotalPnL.StringFixed(4))
	fmt.Printf("Funding collected: $%s\n", aggregates.FundingCollected.StringFixed(4))
	fmt.Printf("Avg hold:          %s min\n", aggregates.AvgHoldMinutes.StringFixed(1))

	if database.GetConfig().EnableDB {
		if err := s.printMirroredToday(); err != nil {
			return err
		}
	}

	if active := store.ListActive(); len(active) > 0 {
		fmt.Printf("\nOpen positions: %d\n", len(active))
		now := time.Now().UTC()
		for _, pos := range active {
			fmt.Printf("  %-14s %-6s %dx %-16s held %s\n",
				pos.Symbol, pos.Side, pos.Leverage, pos.Phase,
				pos.HoldDuration(now).Truncate(time.Second))
		}
	}

	trades := store.Trades()
	if len(trades) == 0 {
		return nil
	}
	start := 0
	if len(trades) > recentTrades {
		start = len(trades) - recentTrades
	}
	fmt.Printf("\nLast %d trades:\n", len(trades)-start)
	for _, pos := range trades[start:] {
		pnl := "n/a"
		if pos.RealizedPnL != nil {
			pnl = "$" + pos.RealizedPnL.StringFixed(4)
		}
		fmt.Printf("  %-14s %-6s %-16s %10s  %s\n",
			pos.Symbol, pos.Side, pos.Phase, pnl, pos.ExitReason)
	}
	return nil
}

// printMirroredToday cross-checks the JSON ledger against the database
// mirror for the current UTC day.
func (s *Stats) printMirroredToday() error {
	if err := database.InitMainDB(); err != nil {
		return fmt.Errorf("failed to open trade database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dayStart := utils.ResetTime(time.Now(), "day")
	mirrored, err := repository.NewTradeRepository().Search(ctx, repository.TradeSearchOptions{
		ClosedAfter: &dayStart,
	})
	if err != nil {
		return fmt.Errorf("failed to query trade mirror: %w", err)
	}

	fmt.Printf("Mirrored today:    %d trades since %s\n",
		len(mirrored), dayStart.Format("2006-01-02 15:04 UTC"))
	return nil
}
