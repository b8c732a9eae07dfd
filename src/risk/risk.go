package risk

import (
	"fmt"

	"fundingfarmer/src/model"

	"github.com/shopspring/decimal"
)

// ----- leverage selection -----

// Rate magnitudes at which the leverage ladder steps up. A fatter funding
// rate buys more cushion against adverse price moves, so it earns more
// leverage; everything is still clamped to the instrument maximum.
var (
	ladderTopRate = decimal.NewFromFloat(0.01)   // 1%
	ladderMidRate = decimal.NewFromFloat(0.0075) // 0.75%
)

const ladderMidLeverage = 7

// LeverageForRate picks leverage from the funding-rate magnitude:
// >= 1% gets maxLeverage, >= 0.75% gets min(7, maxLeverage), anything
// smaller gets minLeverage. instrumentMax caps the result when the
// exchange allows less; pass 0 when unknown.
func LeverageForRate(rate decimal.Decimal, minLeverage, maxLeverage, instrumentMax int) int {
	absRate := rate.Abs()

	var leverage int
	switch {
	case absRate.GreaterThanOrEqual(ladderTopRate):
		leverage = maxLeverage
	case absRate.GreaterThanOrEqual(ladderMidRate):
		leverage = ladderMidLeverage
		if leverage > maxLeverage {
			leverage = maxLeverage
		}
		if leverage < minLeverage {
			leverage = minLeverage
		}
	default:
		leverage = minLeverage
	}

	if instrumentMax > 0 && leverage > instrumentMax {
		leverage = instrumentMax
	}
	if leverage < 1 {
		leverage = 1
	}
	return leverage
}

// ----- position sizing -----

var fallbackQtyStep = decimal.NewFromFloat(0.001)

// QuantityForMargin sizes a position from a fixed margin budget:
// quantity = margin x leverage / price, snapped to the exchange quantity
// step and floored so the order never falls below the instrument minimum
// or the exchange minimum order value.
func QuantityForMargin(
	price decimal.Decimal,
	leverage int,
	marginUSD decimal.Decimal,
	minOrderValueUSD decimal.Decimal,
	qtyStep decimal.Decimal,
	minQty decimal.Decimal,
) (decimal.Decimal, error) {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("cannot size position: price %s is not positive", price)
	}
	if leverage < 1 {
		leverage = 1
	}
	if qtyStep.LessThanOrEqual(decimal.Zero) {
		qtyStep = fallbackQtyStep
	}
	if minQty.LessThanOrEqual(decimal.Zero) {
		// Instrument metadata unavailable: derive the floor from the
		// minimum order value instead.
		minQty = SnapUpToStep(minOrderValueUSD.Div(price), qtyStep)
	}

	notional := marginUSD.Mul(decimal.NewFromInt(int64(leverage)))
	quantity := SnapToStep(notional.Div(price), qtyStep)

	if quantity.LessThan(minQty) {
		quantity = minQty
	}
	if minOrderValueUSD.GreaterThan(decimal.Zero) && quantity.Mul(price).LessThan(minOrderValueUSD) {
		quantity = SnapUpToStep(minOrderValueUSD.Div(price), qtyStep)
	}

	if quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("sized quantity for price %s came out non-positive", price)
	}
	return quantity, nil
}

// SnapToStep rounds a quantity to the nearest multiple of the exchange step.
func SnapToStep(quantity, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return quantity
	}
	return quantity.Div(step).Round(0).Mul(step)
}

// SnapUpToStep rounds a quantity up to the next multiple of the step, used
// for floors that must be satisfied rather than approximated.
func SnapUpToStep(quantity, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return quantity
	}
	units := quantity.Div(step)
	return units.Ceil().Mul(step)
}

// ----- protective stop -----

// Exchanges quote stop prices to four decimals.
const stopPricePlaces = 4

// StopLossPrice converts the margin-relative stop-loss percentage into a
// price level. With leverage, losing stopLossPercent of margin equals a
// price move of stopLossPercent/leverage, so the stop sits that fraction
// away from entry on the losing side.
func StopLossPrice(side model.Side, entry decimal.Decimal, stopLossPercent decimal.Decimal, leverage int) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}
	priceStop := stopLossPercent.Div(decimal.NewFromInt(int64(leverage)))

	var stop decimal.Decimal
	if side == model.SideLong {
		stop = entry.Mul(decimal.NewFromInt(1).Sub(priceStop))
	} else {
		stop = entry.Mul(decimal.NewFromInt(1).Add(priceStop))
	}
	return stop.Round(stopPricePlaces)
}

// ----- entry guards -----

// Spread returns |mark - last| / last, or zero when last is not positive.
func Spread(mark, last decimal.Decimal) decimal.Decimal {
	if last.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return mark.Sub(last).Abs().Div(last)
}

// Slippage returns |fill - observed| / observed, or zero when the observed
// price is not positive.
func Slippage(fill, observed decimal.Decimal) decimal.Decimal {
	if observed.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return fill.Sub(observed).Abs().Div(observed)
}

// DirectionalMove is the signed fractional move from the first to the last
// close of a candle window: positive for a run-up, negative for a sell-off.
// The entry guard skips shorts into a strong run-up and longs into a
// strong sell-off.
func DirectionalMove(closes []decimal.Decimal) decimal.Decimal {
	if len(closes) < 2 {
		return decimal.Zero
	}
	first := closes[0]
	if first.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return closes[len(closes)-1].Sub(first).Div(first)
}

// MoveAgainstEntry reports whether the recent move runs against the given
// entry side by more than maxRunup.
func MoveAgainstEntry(side model.Side, closes []decimal.Decimal, maxRunup decimal.Decimal) bool {
	if maxRunup.LessThanOrEqual(decimal.Zero) {
		return false
	}
	move := DirectionalMove(closes)
	if side == model.SideShort {
		return move.GreaterThan(maxRunup)
	}
	return move.LessThan(maxRunup.Neg())
}
