package exitrules

import (
	"fmt"
	"time"

	"fundingfarmer/src/model"

	"github.com/shopspring/decimal"
)

// Policy bundles every threshold the exit engine consults. Percent fields
// are fractions (0.05 = 5%), not basis points.
type Policy struct {
	// StopLossPercent is measured against margin, so it is leverage-aware.
	StopLossPercent decimal.Decimal
	// SoftLossPercent is the magnitude of the tolerated small loss,
	// measured against notional, applied once funding is in.
	SoftLossPercent decimal.Decimal
	// MaxHoldAfterSettlement caps how long a pre-settlement leg may sit
	// past its settlement time. Zero disables the cap.
	MaxHoldAfterSettlement time.Duration
	// FundingReversalFloor is the absolute rate below which a flipped
	// funding rate is considered noise around zero.
	FundingReversalFloor decimal.Decimal

	// ReversalEnabled switches rule 5 (take profit / small loss) off for
	// pre-settlement legs; flipping is then the orchestrator's business.
	ReversalEnabled bool
	// ReversalMaxHold caps a reversed leg, measured from its own entry.
	ReversalMaxHold time.Duration
	// ReversalProfitPercent is the reversed leg's profit target as a
	// fraction of margin.
	ReversalProfitPercent decimal.Decimal

	// Trailing stop (legacy mode only): replaces the immediate
	// any-positive-PnL exit with peak tracking once armed.
	TrailingEnabled           bool
	TrailingActivationPercent decimal.Decimal
	TrailingCallbackPercent   decimal.Decimal
}

// Decision is the engine's verdict for one evaluation. Reason is a
// human-readable string that ends up in logs, notifications and the trade
// ledger.
type Decision struct {
	Exit   bool
	Reason string
}

var half = decimal.RequireFromString("0.5")

// Evaluate decides whether a position should be closed right now. It is a
// pure function: no clock reads (now is passed in), no I/O, no mutation.
// pnl and rate are nil when the caller could not obtain them; nil pnl
// disables the PnL rules and nil rate disables reversal detection for this
// evaluation only, leaving the time-based safety rules in force.
func Evaluate(pos *model.Position, pnl, rate *decimal.Decimal, policy Policy, now time.Time) Decision {
	if pos.Phase == model.PhaseReversed {
		return evaluateReversed(pos, pnl, policy, now)
	}
	return evaluatePreSettlement(pos, pnl, rate, policy, now)
}

func evaluatePreSettlement(pos *model.Position, pnl, rate *decimal.Decimal, policy Policy, now time.Time) Decision {
	margin := pos.Margin()

	// 1) hard stop loss, fraction of margin
	if pnl != nil && margin.GreaterThan(decimal.Zero) {
		ratio := pnl.Div(margin)
		if ratio.LessThanOrEqual(policy.StopLossPercent.Neg()) {
			return exitDecision("Stop loss triggered: %s%% of margin (PnL $%s)",
				ratio.Mul(decimal.NewFromInt(100)).StringFixed(2), pnl.StringFixed(4))
		}
	}

	// 2) funding rate flipped against the held side
	if rate != nil && fundingReversed(pos.Side, pos.ExpectedFundingRate, *rate, policy.FundingReversalFloor) {
		return exitDecision("Funding rate reversal: %s%% against %s",
			rate.Mul(decimal.NewFromInt(100)).StringFixed(4), pos.Side)
	}

	// 3) settlement still ahead
	if now.Before(pos.FundingSettlementTime) {
		return holdDecision("Waiting for funding settlement")
	}
	sinceSettlement := now.Sub(pos.FundingSettlementTime)

	// 4) reversal mode: only the time cap forces an exit, the flip itself
	// is sequenced by the orchestrator
	if policy.ReversalEnabled {
		if policy.MaxHoldAfterSettlement > 0 && sinceSettlement >= policy.MaxHoldAfterSettlement {
			return exitDecision("Max hold time exceeded: %s past settlement",
				sinceSettlement.Truncate(time.Second))
		}
		return holdDecision("Holding for settlement reversal")
	}

	// 5) legacy mode: time cap, then funding-aware profit / small loss
	if policy.MaxHoldAfterSettlement > 0 && sinceSettlement >= policy.MaxHoldAfterSettlement {
		return exitDecision("Max hold time exceeded: %s past settlement",
			sinceSettlement.Truncate(time.Second))
	}
	if !pos.FundingReceived {
		return holdDecision("Waiting for funding credit")
	}
	if pnl == nil {
		return holdDecision("Holding")
	}

	total := pos.TotalPnL(*pnl)

	if policy.TrailingEnabled {
		return evaluateTrailing(pos, total, margin, policy)
	}

	if total.GreaterThan(decimal.Zero) {
		return exitDecision("Profit: $%s (funding $%s included)",
			total.StringFixed(4), pos.FundingAmount.StringFixed(4))
	}

	notional := pos.Notional()
	if notional.GreaterThan(decimal.Zero) {
		lossRatio := total.Div(notional)
		if lossRatio.GreaterThanOrEqual(policy.SoftLossPercent.Neg()) {
			return exitDecision("Small loss exit: %s%% of notional",
				lossRatio.Mul(decimal.NewFromInt(100)).StringFixed(3))
		}
	}

	return holdDecision("Holding")
}

// evaluateTrailing lets a funded winner run: the immediate profit exit is
// deferred until the tracked peak clears the activation threshold and the
// total PnL then gives back the callback fraction of that peak.
func evaluateTrailing(pos *model.Position, total, margin decimal.Decimal, policy Policy) Decision {
	activation := policy.TrailingActivationPercent.Mul(margin)
	armed := margin.GreaterThan(decimal.Zero) &&
		activation.GreaterThan(decimal.Zero) &&
		pos.HighestPnL.GreaterThanOrEqual(activation)

	if armed {
		floor := pos.HighestPnL.Sub(pos.HighestPnL.Mul(policy.TrailingCallbackPercent))
		if total.LessThanOrEqual(floor) {
			return exitDecision("Trailing stop: $%s after peak $%s",
				total.StringFixed(4), pos.HighestPnL.StringFixed(4))
		}
		return holdDecision("Riding trailing stop")
	}

	if total.GreaterThan(decimal.Zero) {
		// Positive but not armed yet: keep building the peak.
		return holdDecision("Holding for trailing activation")
	}

	notional := pos.Notional()
	if notional.GreaterThan(decimal.Zero) {
		lossRatio := total.Div(notional)
		if lossRatio.GreaterThanOrEqual(policy.SoftLossPercent.Neg()) {
			return exitDecision("Small loss exit: %s%% of notional",
				lossRatio.Mul(decimal.NewFromInt(100)).StringFixed(3))
		}
	}
	return holdDecision("Holding")
}

func evaluateReversed(pos *model.Position, pnl *decimal.Decimal, policy Policy, now time.Time) Decision {
	margin := pos.Margin()

	if pnl != nil && margin.GreaterThan(decimal.Zero) {
		ratio := pnl.Div(margin)
		if ratio.LessThanOrEqual(policy.StopLossPercent.Neg()) {
			return exitDecision("Stop loss triggered: %s%% of margin (PnL $%s)",
				ratio.Mul(decimal.NewFromInt(100)).StringFixed(2), pnl.StringFixed(4))
		}
	}

	held := now.Sub(pos.EntryTime)
	if policy.ReversalMaxHold > 0 && held >= policy.ReversalMaxHold {
		return exitDecision("Max hold time exceeded: %s in reversed leg", held.Truncate(time.Second))
	}

	if pnl != nil && margin.GreaterThan(decimal.Zero) {
		ratio := pnl.Div(margin)
		if ratio.GreaterThanOrEqual(policy.ReversalProfitPercent) {
			return exitDecision("Profit target reached: %s%% of margin",
				ratio.Mul(decimal.NewFromInt(100)).StringFixed(2))
		}
	}

	return holdDecision("Holding reversed position")
}

// fundingReversed reports a genuine flip of the current rate against the
// held side: the sign must be adverse and the magnitude must clear
// max(floor, 0.5 x |original|) strictly, so bid/ask noise around zero never
// triggers it.
func fundingReversed(side model.Side, original, current, floor decimal.Decimal) bool {
	threshold := decimal.Max(floor, original.Abs().Mul(half))

	switch side {
	case model.SideShort:
		// shorts collect positive rates; a negative rate pays instead
		return current.IsNegative() && current.Abs().GreaterThan(threshold)
	case model.SideLong:
		return current.IsPositive() && current.GreaterThan(threshold)
	default:
		return false
	}
}

func exitDecision(format string, args ...any) Decision {
	return Decision{Exit: true, Reason: fmt.Sprintf(format, args...)}
}

func holdDecision(reason string) Decision {
	return Decision{Reason: reason}
}
