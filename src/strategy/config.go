package strategy

import (
	"fmt"
	"time"

	"fundingfarmer/src/exitrules"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	ExtremeRateThreshold   string `envconfig:"EXTREME_RATE_THRESHOLD" default:"0.005"`
	EntryWindowMinMinutes  int    `envconfig:"ENTRY_WINDOW_MIN_MINUTES" default:"1"`
	EntryWindowMaxMinutes  int    `envconfig:"ENTRY_WINDOW_MAX_MINUTES" default:"5"`
	ScanIntervalSeconds    int    `envconfig:"SCAN_INTERVAL_SECONDS" default:"30"`
	FastScanIntervalSecs   int    `envconfig:"FAST_SCAN_INTERVAL_SECONDS" default:"5"`
	MaxConcurrentPositions int    `envconfig:"MAX_CONCURRENT_POSITIONS" default:"3"`

	MarginUSD        string `envconfig:"MARGIN_USD" default:"50"`
	MinOrderValueUSD string `envconfig:"MIN_ORDER_VALUE_USD" default:"8.0"`
	MinLeverage      int    `envconfig:"MIN_LEVERAGE" default:"2"`
	MaxLeverage      int    `envconfig:"MAX_LEVERAGE" default:"20"`

	StopLossPercent        string `envconfig:"STOP_LOSS_PERCENT" default:"0.05"`
	SoftLossExitPercent    string `envconfig:"SOFT_LOSS_EXIT_PERCENT" default:"0.002"`
	MaxHoldMinutes         int    `envconfig:"MAX_HOLD_MINUTES_AFTER_SETTLEMENT" default:"30"`
	FundingReversalFloor   string `envconfig:"FUNDING_REVERSAL_FLOOR" default:"0.0003"`
	PriceSpreadThreshold   string `envconfig:"PRICE_SPREAD_THRESHOLD" default:"0.002"`
	MaxSlippagePercent     string `envconfig:"MAX_SLIPPAGE_PERCENT" default:"0.003"`
	MaxDailyLossUSD        string `envconfig:"MAX_DAILY_LOSS_USD" default:"50"`
	FundingVerifyDelaySecs int    `envconfig:"FUNDING_VERIFY_DELAY_SECONDS" default:"30"`

	ReversalEnabled             bool   `envconfig:"REVERSAL_ENABLED" default:"false"`
	ReversalProfitTargetPercent string `envconfig:"REVERSAL_PROFIT_TARGET_PERCENT" default:"0.05"`
	ReversalMaxHoldMinutes      int    `envconfig:"REVERSAL_MAX_HOLD_MINUTES" default:"30"`

	TrailingStopEnabled       bool   `envconfig:"TRAILING_STOP_ENABLED" default:"false"`
	TrailingActivationPercent string `envconfig:"TRAILING_ACTIVATION_PERCENT" default:"0.1"`
	TrailingCallbackPercent   string `envconfig:"TRAILING_CALLBACK_PERCENT" default:"0.3"`

	MomentumLookback int    `envconfig:"MOMENTUM_LOOKBACK" default:"5"`
	MomentumMaxRunup string `envconfig:"MOMENTUM_MAX_RUNUP" default:"0.01"`

	ReconcileIntervalMinutes int  `envconfig:"RECONCILE_INTERVAL_MINUTES" default:"5"`
	NotifySkips              bool `envconfig:"NOTIFY_SKIPS" default:"false"`
	SkipNotifyIntervalMins   int  `envconfig:"SKIP_NOTIFY_INTERVAL_MINUTES" default:"15"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Params is the parsed, decimal form of Config the engine actually runs on.
type Params struct {
	ExtremeRateThreshold decimal.Decimal
	EntryWindowMin       time.Duration
	EntryWindowMax       time.Duration
	ScanInterval         time.Duration
	FastScanInterval     time.Duration
	MaxConcurrent        int

	MarginUSD        decimal.Decimal
	MinOrderValueUSD decimal.Decimal
	MinLeverage      int
	MaxLeverage      int

	SpreadThreshold    decimal.Decimal
	MaxSlippagePercent decimal.Decimal
	MaxDailyLossUSD    decimal.Decimal
	FundingVerifyDelay time.Duration

	MomentumLookback int
	MomentumMaxRunup decimal.Decimal

	NotifySkips        bool
	SkipNotifyInterval time.Duration
	ReversalEnabled    bool

	Policy exitrules.Policy
}

// Parse converts the env-sourced strings into decimals once, at startup.
// A malformed value is a configuration error and panics like GetConfig.
func (c Config) Parse() Params {
	return Params{
		ExtremeRateThreshold: decimal.RequireFromString(c.ExtremeRateThreshold),
		EntryWindowMin:       time.Duration(c.EntryWindowMinMinutes) * time.Minute,
		EntryWindowMax:       time.Duration(c.EntryWindowMaxMinutes) * time.Minute,
		ScanInterval:         time.Duration(c.ScanIntervalSeconds) * time.Second,
		FastScanInterval:     time.Duration(c.FastScanIntervalSecs) * time.Second,
		MaxConcurrent:        c.MaxConcurrentPositions,

		MarginUSD:        decimal.RequireFromString(c.MarginUSD),
		MinOrderValueUSD: decimal.RequireFromString(c.MinOrderValueUSD),
		MinLeverage:      c.MinLeverage,
		MaxLeverage:      c.MaxLeverage,

		SpreadThreshold:    decimal.RequireFromString(c.PriceSpreadThreshold),
		MaxSlippagePercent: decimal.RequireFromString(c.MaxSlippagePercent),
		MaxDailyLossUSD:    decimal.RequireFromString(c.MaxDailyLossUSD),
		FundingVerifyDelay: time.Duration(c.FundingVerifyDelaySecs) * time.Second,

		MomentumLookback: c.MomentumLookback,
		MomentumMaxRunup: decimal.RequireFromString(c.MomentumMaxRunup),

		NotifySkips:        c.NotifySkips,
		SkipNotifyInterval: time.Duration(c.SkipNotifyIntervalMins) * time.Minute,
		ReversalEnabled:    c.ReversalEnabled,

		Policy: exitrules.Policy{
			StopLossPercent:           decimal.RequireFromString(c.StopLossPercent),
			SoftLossPercent:           decimal.RequireFromString(c.SoftLossExitPercent),
			MaxHoldAfterSettlement:    time.Duration(c.MaxHoldMinutes) * time.Minute,
			FundingReversalFloor:      decimal.RequireFromString(c.FundingReversalFloor),
			ReversalEnabled:           c.ReversalEnabled,
			ReversalMaxHold:           time.Duration(c.ReversalMaxHoldMinutes) * time.Minute,
			ReversalProfitPercent:     decimal.RequireFromString(c.ReversalProfitTargetPercent),
			TrailingEnabled:           c.TrailingStopEnabled,
			TrailingActivationPercent: decimal.RequireFromString(c.TrailingActivationPercent),
			TrailingCallbackPercent:   decimal.RequireFromString(c.TrailingCallbackPercent),
		},
	}
}
