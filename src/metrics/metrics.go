package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmer_scan_ticks_total",
			Help: "Driver loop ticks executed",
		},
	)

	PositionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farmer_positions_opened_total",
			Help: "Positions opened, split by phase and side",
		},
		[]string{"phase", "side"},
	)

	// Counts closes split by coarse reason: profit, stop_loss, max_hold,
	// funding_reversal, reconciled, other.
	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farmer_positions_closed_total",
			Help: "Positions closed, split by phase and coarse reason",
		},
		[]string{"phase", "reason"},
	)

	ActivePositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farmer_active_positions",
			Help: "Currently tracked open positions",
		},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farmer_realized_pnl_usd",
			Help: "Cumulative realized PnL over the ledger in USD",
		},
	)

	FundingCollected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farmer_funding_collected_usd",
			Help: "Cumulative funding credits in USD",
		},
	)

	EntriesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farmer_entries_skipped_total",
			Help: "Entry opportunities skipped, split by guard",
		},
		[]string{"guard"},
	)

	ReconcileForcedCloses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmer_reconcile_forced_closes_total",
			Help: "Local positions retired because the exchange no longer lists them",
		},
	)
)

func init() {
	prometheus.MustRegister(Ticks, ActivePositions, RealizedPnL, FundingCollected)
	prometheus.MustRegister(PositionsOpened, PositionsClosed, EntriesSkipped)
	prometheus.MustRegister(ReconcileForcedCloses)
}

// CoarseExitReason maps a human-readable exit reason to a bounded label
// value, keeping metric cardinality flat.
func CoarseExitReason(reason string) string {
	switch {
	case strings.Contains(reason, "Stop loss"):
		return "stop_loss"
	case strings.Contains(reason, "Trailing stop"):
		return "trailing_stop"
	case strings.Contains(reason, "Profit"):
		return "profit"
	case strings.Contains(reason, "Max hold"):
		return "max_hold"
	case strings.Contains(reason, "Funding rate"):
		return "funding_reversal"
	case strings.Contains(reason, "externally"):
		return "reconciled"
	default:
		return "other"
	}
}
