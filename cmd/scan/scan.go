package scan

import (
	"context"
	"fmt"
	"time"

	"fundingfarmer/src/marketdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Scan runs one opportunity sweep and prints the result, without opening
// anything. Useful to sanity-check thresholds before letting the daemon
// trade.
type Scan struct {
	Log *logrus.Entry
}

func (s *Scan) Start() error {
	cfg := marketdata.GetConfig()
	market := marketdata.NewService(
		cfg.BaseURL,
		time.Duration(cfg.TimeoutSeconds)*time.Second,
		decimal.RequireFromString(cfg.ExtremeRateThreshold),
		decimal.RequireFromString(cfg.MinVolume24h),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opps, err := market.ExtremeFundingOpportunities(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	if len(opps) == 0 {
		fmt.Printf("No symbols above |rate| >= %s with 24h volume >= %s\n",
			cfg.ExtremeRateThreshold, cfg.MinVolume24h)
		return nil
	}

	now := time.Now().UTC()
	fmt.Printf("%-14s %-6s %10s %14s %16s\n", "SYMBOL", "SIDE", "RATE %", "SETTLES IN", "24H VOLUME")
	for _, opp := range opps {
		until := marketdata.TimeToSettlement(opp.NextSettlement, now)
		fmt.Printf("%-14s %-6s %10s %14s %16s\n",
			opp.Symbol,
			opp.Side,
			opp.Rate.Mul(decimal.NewFromInt(100)).StringFixed(4),
			until.Truncate(time.Second),
			opp.Volume24h.StringFixed(0),
		)
	}
	s.Log.WithField("count", len(opps)).Info("sweep complete")
	return nil
}
