package reconcile

import (
	"context"
	"time"

	"fundingfarmer/src/broker"
	"fundingfarmer/src/notify"
	"fundingfarmer/src/positions"

	logger "github.com/sirupsen/logrus"
)

// Service periodically diffs the locally tracked positions against the
// exchange's authoritative open-position list and retires local records the
// exchange no longer carries (liquidation, manual close, desync). It never
// sends broker-side closes: the position is already gone there.
type Service struct {
	gw       broker.Gateway
	store    *positions.Manager
	notifier notify.Notifier
	interval time.Duration

	lastRun time.Time
}

func New(gw broker.Gateway, store *positions.Manager, notifier notify.Notifier, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{
		gw:       gw,
		store:    store,
		notifier: notifier,
		interval: interval,
	}
}

// Run reconciles at most once per interval; off-interval calls return
// immediately. A listing failure skips the pass without advancing the
// clock, so the next tick retries.
func (s *Service) Run(ctx context.Context, now time.Time) error {
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.interval {
		return nil
	}

	exchangeOpen, err := s.gw.ListOpenPositions(ctx)
	if err != nil {
		logger.WithError(err).Warn("[reconcile] could not fetch exchange positions, skipping pass")
		return err
	}
	s.lastRun = now

	onExchange := make(map[string]bool, len(exchangeOpen))
	for _, p := range exchangeOpen {
		onExchange[p.PositionID] = true
	}

	for _, pos := range s.store.ListActive() {
		if onExchange[pos.PositionID] {
			continue
		}

		logger.WithFields(map[string]interface{}{
			"position_id": pos.PositionID,
			"symbol":      pos.Symbol,
			"side":        pos.Side,
		}).Warn("[reconcile] local position absent on exchange, force-closing locally")

		_, err := s.store.ExecuteExit(ctx, positions.ExitRequest{
			PositionID: pos.PositionID,
			LocalOnly:  true,
			Reason:     "Position closed/liquidated externally",
		})
		if err != nil {
			logger.WithError(err).WithField("position_id", pos.PositionID).
				Error("[reconcile] local force-close failed")
			continue
		}

		s.notifier.Publish(ctx, notify.ReconciliationAlertEvent{
			PositionID: pos.PositionID,
			Symbol:     pos.Symbol,
			Side:       string(pos.Side),
			Detail:     "Not found on exchange (liquidated or closed externally); record retired locally.",
		})
	}
	return nil
}
