package marketdata

import (
	"net/http"
	"strings"

	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// KlineSource is the candle feed behind the momentum guard.
type KlineSource interface {
	GetKlineRecords(currency goex.CurrencyPair, period goex.KlinePeriod, size int, optional ...goex.OptionalParameter) ([]goex.Kline, error)
}

// MomentumGuard fetches recent 1m candles and reports how far price ran in
// the lookback window, so the strategy can refuse to short into a squeeze
// or long into a dump. Bybit's public kline shape differs per category, so
// the guard reads Binance spot candles instead; for the large-cap perps the
// two track each other closely enough for a coarse run-up check.
type MomentumGuard struct {
	exchange KlineSource
	lookback int
}

func NewMomentumGuard(lookback int) *MomentumGuard {
	apiConfig := &goex.APIConfig{
		HttpClient: http.DefaultClient,
		Endpoint:   binance.GLOBAL_API_BASE_URL,
	}
	return &MomentumGuard{
		exchange: binance.NewWithConfig(apiConfig),
		lookback: lookback,
	}
}

// NewMomentumGuardWithSource is the test constructor.
func NewMomentumGuardWithSource(source KlineSource, lookback int) *MomentumGuard {
	return &MomentumGuard{exchange: source, lookback: lookback}
}

// RecentCloses returns the last lookback 1m closes, oldest first. A symbol
// the candle source does not carry yields (nil, nil): the guard abstains
// rather than blocking the entry.
func (m *MomentumGuard) RecentCloses(symbol string) ([]decimal.Decimal, error) {
	if m.lookback < 2 {
		return nil, nil
	}

	pair, ok := splitSymbol(symbol)
	if !ok {
		return nil, nil
	}

	klines, err := m.exchange.GetKlineRecords(pair, goex.KLINE_PERIOD_1MIN, m.lookback)
	if err != nil {
		// Missing listing is a normal miss, not a failure worth surfacing.
		logger.WithError(err).WithField("symbol", symbol).Debug("[marketdata] momentum candles unavailable")
		return nil, nil
	}

	closes := make([]decimal.Decimal, 0, len(klines))
	for _, k := range klines {
		closes = append(closes, decimal.NewFromFloat(k.Close))
	}
	return closes, nil
}

func splitSymbol(symbol string) (goex.CurrencyPair, bool) {
	quote := ""
	switch {
	case strings.HasSuffix(symbol, "USDT"):
		quote = "USDT"
	case strings.HasSuffix(symbol, "USDC"):
		quote = "USDC"
	default:
		return goex.CurrencyPair{}, false
	}

	base := strings.TrimSuffix(symbol, quote)
	if base == "" {
		return goex.CurrencyPair{}, false
	}
	return goex.NewCurrencyPair(goex.Currency{Symbol: base}, goex.Currency{Symbol: quote}), true
}
