package marketdata

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BaseURL             string `envconfig:"BYBIT_API_BASE_URL" default:"https://api.bybit.com"`
	WSURL               string `envconfig:"BYBIT_WS_URL" default:"wss://stream.bybit.com/v5/public/linear"`
	TickerStreamEnabled bool   `envconfig:"TICKER_STREAM_ENABLED" default:"false"`
	TimeoutSeconds      int    `envconfig:"MARKET_DATA_TIMEOUT_SECONDS" default:"10"`

	ExtremeRateThreshold string `envconfig:"EXTREME_RATE_THRESHOLD" default:"0.005"`
	MinVolume24h         string `envconfig:"MIN_VOLUME_24H" default:"5000000"`

	MomentumLookback int    `envconfig:"MOMENTUM_LOOKBACK" default:"5"`
	MomentumMaxRunup string `envconfig:"MOMENTUM_MAX_RUNUP" default:"0.01"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
