package reversal

import (
	"context"
	"fmt"
	"time"

	"fundingfarmer/src/broker"
	"fundingfarmer/src/model"
	"fundingfarmer/src/notify"
	"fundingfarmer/src/positions"
	"fundingfarmer/src/risk"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// Orchestrator sequences "close leg A, open opposite leg B" so the pair
// behaves like one logical trade. The two steps are strictly ordered: the
// opposite side is never opened until the close is confirmed, so the book
// never carries double exposure.
type Orchestrator struct {
	gw              broker.Gateway
	store           *positions.Manager
	notifier        notify.Notifier
	stopLossPercent decimal.Decimal
	now             func() time.Time
}

func New(gw broker.Gateway, store *positions.Manager, notifier notify.Notifier, stopLossPercent decimal.Decimal) *Orchestrator {
	return &Orchestrator{
		gw:              gw,
		store:           store,
		notifier:        notifier,
		stopLossPercent: stopLossPercent,
		now:             time.Now,
	}
}

// WithClock overrides the clock; tests only.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Execute flips a funded pre-settlement position into its reversed leg.
// unrealized is the first leg's last known PnL; markPrice prices the inner
// close and the new stop.
//
// Failure semantics: a failed close aborts with no state change. A failed
// open after a successful close books the first leg as a standalone
// completed trade (its economics must not vanish) and raises an alert; no
// reversed position exists afterwards.
func (o *Orchestrator) Execute(ctx context.Context, pos *model.Position, unrealized *decimal.Decimal, markPrice decimal.Decimal) (*model.Position, error) {
	if pos.Phase != model.PhasePreSettlement {
		return nil, fmt.Errorf("position %s is already reversed", pos.PositionID)
	}

	firstLegPnL := decimal.Zero
	if unrealized != nil {
		firstLegPnL = *unrealized
	}
	firstLegFunding := pos.FundingAmount

	// (1) close the first leg; the ledger entry is folded into the
	// reversed record later, so the inner close skips trade logging.
	closed, err := o.store.ExecuteExit(ctx, positions.ExitRequest{
		PositionID:    pos.PositionID,
		Gateway:       o.gw,
		UnrealizedPnL: unrealized,
		ExitPrice:     &markPrice,
		Reason:        "Reversing after settlement",
		SkipTradeLog:  true,
	})
	if err != nil {
		// (2) abort, nothing changed.
		return nil, fmt.Errorf("reversal close failed for %s: %w", pos.PositionID, err)
	}

	// (3) open the opposite side, same size and leverage, fresh stop.
	side := pos.Side.Opposite()
	stopPrice := risk.StopLossPrice(side, markPrice, o.stopLossPercent, pos.Leverage)

	result, err := o.gw.Open(ctx, broker.OpenRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Quantity:      pos.Quantity,
		Leverage:      pos.Leverage,
		StopLossPrice: stopPrice,
	})
	if err != nil {
		// (4) the first leg is closed for real; book it standalone so the
		// daily ledger stays consistent, then surface the failure.
		logger.WithError(err).WithField("position_id", pos.PositionID).
			Error("[reversal] open failed after close, booking first leg standalone")

		if bookErr := o.store.AppendTrade(closed); bookErr != nil {
			logger.WithError(bookErr).WithField("position_id", pos.PositionID).
				Error("[reversal] failed to book first leg")
		}
		o.notifier.Publish(ctx, notify.ErrorEvent{
			Context: "reversal open " + pos.Symbol,
			Err:     err.Error(),
		})
		return nil, fmt.Errorf("reversal open failed for %s after close: %w", pos.Symbol, err)
	}

	// (5) the reversed record carries the first leg's economics forward.
	reversed := &model.Position{
		PositionID:            result.PositionID,
		Symbol:                pos.Symbol,
		Side:                  side,
		Quantity:              pos.Quantity,
		EntryPrice:            result.EntryPrice,
		Leverage:              pos.Leverage,
		ExpectedFundingRate:   pos.ExpectedFundingRate,
		FundingSettlementTime: pos.FundingSettlementTime,
		EntryTime:             o.now().UTC(),
		Phase:                 model.PhaseReversed,
		ParentPositionID:      pos.PositionID,
		FirstLegPnL:           &firstLegPnL,
		FirstLegFunding:       &firstLegFunding,
	}
	if err := o.store.Add(reversed); err != nil {
		return nil, fmt.Errorf("reversed position %s opened but could not be tracked: %w", result.PositionID, err)
	}

	logger.WithFields(map[string]interface{}{
		"parent":      pos.PositionID,
		"position_id": reversed.PositionID,
		"symbol":      pos.Symbol,
		"side":        side,
		"entry_price": result.EntryPrice.String(),
	}).Info("[reversal] reversed leg opened")

	o.notifier.Publish(ctx, notify.ReversalEvent{
		ParentPositionID: pos.PositionID,
		PositionID:       reversed.PositionID,
		Symbol:           pos.Symbol,
		Side:             string(side),
		EntryPrice:       result.EntryPrice,
		FirstLegPnL:      firstLegPnL,
		FirstLegFunding:  firstLegFunding,
	})
	return reversed, nil
}
