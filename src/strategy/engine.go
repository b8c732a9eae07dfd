package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fundingfarmer/src/broker"
	"fundingfarmer/src/exitrules"
	"fundingfarmer/src/marketdata"
	"fundingfarmer/src/metrics"
	"fundingfarmer/src/model"
	"fundingfarmer/src/notify"
	"fundingfarmer/src/positions"
	"fundingfarmer/src/risk"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MarketData is the slice of the market-data service the engine consumes.
type MarketData interface {
	ExtremeFundingOpportunities(ctx context.Context) ([]marketdata.Opportunity, error)
	Snapshot(ctx context.Context, symbol string) (*marketdata.FundingSnapshot, error)
	VerifyFundingSettlement(ctx context.Context, symbol string, settlement time.Time) (decimal.Decimal, bool, error)
	InstrumentLimits(ctx context.Context, symbol string) (*marketdata.InstrumentLimits, error)
}

// Candles feeds the momentum entry guard.
type Candles interface {
	RecentCloses(symbol string) ([]decimal.Decimal, error)
}

// Reverser flips a funded pre-settlement leg into its opposite side.
type Reverser interface {
	Execute(ctx context.Context, pos *model.Position, unrealized *decimal.Decimal, markPrice decimal.Decimal) (*model.Position, error)
}

// Reconciler periodically checks local state against the exchange.
type Reconciler interface {
	Run(ctx context.Context, now time.Time) error
}

// Subscriber registers symbols on the ticker stream so their settlement
// windows are served from the WebSocket cache.
type Subscriber interface {
	Subscribe(symbol string)
}

// Deps collects the engine's collaborators; every field except Stream and
// Candles is required.
type Deps struct {
	Market     MarketData
	Candles    Candles
	Gateway    broker.Gateway
	Store      *positions.Manager
	Session    *Session
	Reverser   Reverser
	Reconciler Reconciler
	Notifier   notify.Notifier
	Stream     Subscriber
	DryRun     bool
}

// Engine is the single driver loop: one tick scans for entries, manages
// exits and triggers reversals. All trading decisions happen here, on one
// goroutine, so no two code paths ever race to close the same position.
type Engine struct {
	params Params
	deps   Deps

	now func() time.Time

	// paused and fastScan are the only fields touched from outside the
	// loop goroutine (command poller, status server).
	mu       sync.Mutex
	paused   bool
	fastScan bool
}

func NewEngine(params Params, deps Deps) *Engine {
	return &Engine{
		params: params,
		deps:   deps,
		now:    time.Now,
	}
}

// WithClock overrides the clock; tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ----- remote control -----

func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		e.paused = true
		logger.Warn("[strategy] paused: no new entries will be opened")
	}
}

func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.paused = false
		logger.Info("[strategy] resumed")
	}
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// StatusText renders the live state for /status and the status endpoint.
func (e *Engine) StatusText() string {
	mode := "live"
	if e.deps.DryRun {
		mode = "dry-run"
	}
	state := "scanning"
	if e.Paused() {
		state = "PAUSED"
	}

	day, trades, wins, losses, pnl, funding := e.deps.Session.Counters()

	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s (%s)\n", mode, state)
	fmt.Fprintf(&b, "Day %s: %d trades (%dW/%dL), PnL $%s, funding $%s\n",
		day, trades, wins, losses, pnl.StringFixed(4), funding.StringFixed(4))

	active := e.deps.Store.ListActive()
	fmt.Fprintf(&b, "Open positions: %d/%d\n", len(active), e.params.MaxConcurrent)
	now := e.now().UTC()
	for _, pos := range active {
		fmt.Fprintf(&b, "  %s %s %dx %s held %s funding=%v\n",
			pos.Symbol, pos.Side, pos.Leverage, pos.Phase,
			pos.HoldDuration(now).Truncate(time.Second), pos.FundingReceived)
	}
	return b.String()
}

// StatsText renders the all-time ledger aggregates for /stats.
func (e *Engine) StatsText() string {
	stats := e.deps.Store.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "Trades: %d (%dW/%dL, %s%% win rate)\n",
		stats.TotalTrades, stats.Wins, stats.Losses, stats.WinRatePercent.StringFixed(1))
	fmt.Fprintf(&b, "Total PnL: $%s\n", stats.TotalPnL.StringFixed(4))
	fmt.Fprintf(&b, "Funding collected: $%s\n", stats.FundingCollected.StringFixed(4))
	fmt.Fprintf(&b, "Avg hold: %s min\n", stats.AvgHoldMinutes.StringFixed(1))
	return b.String()
}

// ----- driver loop -----

// Run ticks until the context is canceled. In-flight broker work inside a
// tick is allowed to finish; see closePosition.
func (e *Engine) Run(ctx context.Context) error {
	logger.WithFields(map[string]interface{}{
		"scan_interval":   e.params.ScanInterval.String(),
		"max_positions":   e.params.MaxConcurrent,
		"margin_usd":      e.params.MarginUSD.String(),
		"reversal":        e.params.ReversalEnabled,
		"dry_run":         e.deps.DryRun,
		"rate_threshold":  e.params.ExtremeRateThreshold.String(),
	}).Info("[strategy] engine started")

	e.deps.Notifier.Publish(ctx, notify.StartupEvent{
		DryRun:       e.deps.DryRun,
		MaxPositions: e.params.MaxConcurrent,
		MarginUSD:    e.params.MarginUSD,
	})

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.deps.Notifier.Publish(context.WithoutCancel(ctx), notify.ShutdownEvent{
				ActivePositions: e.deps.Store.ActiveCount(),
			})
			logger.Info("[strategy] engine stopped")
			return ctx.Err()
		case <-timer.C:
		}

		e.tick(ctx, e.now().UTC())
		timer.Reset(e.interval())
	}
}

// interval shortens the scan cadence while a settlement is imminent, so
// the narrow entry window is not missed between ticks.
func (e *Engine) interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fastScan {
		return e.params.FastScanInterval
	}
	return e.params.ScanInterval
}

func (e *Engine) setFastScan(fast bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fastScan = fast
}

// tick runs one full pass: day rollover, reconciliation, entry scan, exit
// management. Ordering matters: reconciliation first so the scan never
// counts positions the exchange already closed.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	metrics.Ticks.Inc()

	if summary, ok := e.deps.Session.Rollover(now); ok {
		e.deps.Notifier.Publish(ctx, summary)
	}

	if e.deps.Reconciler != nil {
		if err := e.deps.Reconciler.Run(ctx, now); err != nil {
			logger.WithError(err).Warn("[strategy] reconciliation pass failed")
		}
	}

	fast := e.scanEntries(ctx, now)
	e.manageExits(ctx)

	// Exits and reversals also want fast ticks around settlement.
	for _, pos := range e.deps.Store.ListActive() {
		until := marketdata.TimeToSettlement(pos.FundingSettlementTime, e.now().UTC())
		if until < e.params.EntryWindowMax+time.Minute && until > -2*time.Minute {
			fast = true
		}
	}
	e.setFastScan(fast)

	metrics.ActivePositions.Set(float64(e.deps.Store.ActiveCount()))
}

// ----- entry side -----

// scanEntries sweeps the market for extreme funding rates and opens
// positions inside the entry window. It reports whether any candidate is
// close enough to settlement to warrant fast scanning.
func (e *Engine) scanEntries(ctx context.Context, now time.Time) (fast bool) {
	if e.Paused() {
		return false
	}
	if e.deps.Session.DailyLossBreached(e.params.MaxDailyLossUSD) {
		metrics.EntriesSkipped.WithLabelValues("daily_loss").Inc()
		logger.WithField("daily_pnl", e.deps.Session.DailyPnL().String()).
			Warn("[strategy] daily loss cap reached, entries suspended until UTC midnight")
		return false
	}
	if e.deps.Store.ActiveCount() >= e.params.MaxConcurrent {
		return false
	}

	opps, err := e.deps.Market.ExtremeFundingOpportunities(ctx)
	if err != nil {
		logger.WithError(err).Warn("[strategy] opportunity sweep failed")
		return false
	}

	for _, opp := range opps {
		until := marketdata.TimeToSettlement(opp.NextSettlement, now)
		if until > 0 && until < e.params.EntryWindowMax+time.Minute {
			fast = true
		}
		e.tryEnter(ctx, opp, until)
	}
	return fast
}

func (e *Engine) tryEnter(ctx context.Context, opp marketdata.Opportunity, until time.Duration) {
	log := logger.WithFields(map[string]interface{}{
		"symbol": opp.Symbol,
		"rate":   opp.Rate.String(),
		"side":   string(opp.Side),
	})

	if e.hasPositionFor(opp.Symbol) {
		return
	}
	if until > e.params.EntryWindowMax || until < e.params.EntryWindowMin {
		// Outside the window; either too early (keep watching) or the
		// settlement is about to print and a fill is no longer safe.
		return
	}

	e.deps.Notifier.Publish(ctx, notify.OpportunityEvent{
		Symbol:       opp.Symbol,
		Rate:         opp.Rate,
		Side:         string(opp.Side),
		TimeToSettle: until,
		Volume24h:    opp.Volume24h,
	})

	if spread := risk.Spread(opp.MarkPrice, opp.LastPrice); spread.GreaterThan(e.params.SpreadThreshold) {
		e.skipEntry(ctx, opp.Symbol, "spread",
			fmt.Sprintf("mark/last spread %s%% too wide", spread.Mul(decimal.NewFromInt(100)).StringFixed(3)))
		return
	}

	if e.deps.Candles != nil {
		closes, err := e.deps.Candles.RecentCloses(opp.Symbol)
		if err != nil {
			log.WithError(err).Debug("[strategy] momentum candles unavailable, guard abstains")
		} else if risk.MoveAgainstEntry(opp.Side, closes, e.params.MomentumMaxRunup) {
			e.skipEntry(ctx, opp.Symbol, "momentum", "recent price move runs against entry side")
			return
		}
	}

	limits, err := e.deps.Market.InstrumentLimits(ctx, opp.Symbol)
	if err != nil {
		log.WithError(err).Warn("[strategy] instrument limits unavailable")
		e.skipEntry(ctx, opp.Symbol, "limits", "instrument limits unavailable")
		return
	}

	leverage := risk.LeverageForRate(opp.Rate, e.params.MinLeverage, e.params.MaxLeverage, limits.MaxLeverage)
	quantity, err := risk.QuantityForMargin(
		opp.LastPrice, leverage, e.params.MarginUSD, e.params.MinOrderValueUSD, limits.QtyStep, limits.MinQty)
	if err != nil {
		log.WithError(err).Warn("[strategy] sizing failed")
		e.skipEntry(ctx, opp.Symbol, "sizing", err.Error())
		return
	}
	if limits.MinNotional.GreaterThan(decimal.Zero) && quantity.Mul(opp.LastPrice).LessThan(limits.MinNotional) {
		quantity = risk.SnapUpToStep(limits.MinNotional.Div(opp.LastPrice), limits.QtyStep)
	}

	balance, err := e.deps.Gateway.AvailableBalance(ctx)
	if err != nil {
		log.WithError(err).Warn("[strategy] balance check failed")
		e.skipEntry(ctx, opp.Symbol, "balance", "balance unavailable")
		return
	}
	if balance.LessThan(e.params.MarginUSD) {
		e.skipEntry(ctx, opp.Symbol, "balance",
			fmt.Sprintf("available $%s below margin $%s", balance.StringFixed(2), e.params.MarginUSD.StringFixed(2)))
		return
	}

	// The guards above took real time; re-check the window and the
	// concurrency cap against a fresh clock immediately before the order.
	now := e.now().UTC()
	until = marketdata.TimeToSettlement(opp.NextSettlement, now)
	if until > e.params.EntryWindowMax || until < e.params.EntryWindowMin {
		e.skipEntry(ctx, opp.Symbol, "entry_window", "settlement window closed during guard checks")
		return
	}
	if e.deps.Store.ActiveCount() >= e.params.MaxConcurrent {
		return
	}

	stopPrice := risk.StopLossPrice(opp.Side, opp.LastPrice, e.params.Policy.StopLossPercent, leverage)

	result, err := e.deps.Gateway.Open(ctx, broker.OpenRequest{
		Symbol:        opp.Symbol,
		Side:          opp.Side,
		Quantity:      quantity,
		Leverage:      leverage,
		StopLossPrice: stopPrice,
	})
	if err != nil {
		log.WithError(err).Error("[strategy] order failed")
		e.deps.Notifier.Publish(ctx, notify.ErrorEvent{Context: "open " + opp.Symbol, Err: err.Error()})
		return
	}

	if slip := risk.Slippage(result.EntryPrice, opp.LastPrice); slip.GreaterThan(e.params.MaxSlippagePercent) {
		// Fill landed too far from the observed price; unwind immediately
		// rather than farming a settlement from a bad basis.
		log.WithField("slippage", slip.String()).Warn("[strategy] excessive slippage, unwinding entry")
		if closeErr := e.deps.Gateway.Close(ctx, result.PositionID); closeErr != nil {
			log.WithError(closeErr).Error("[strategy] slippage unwind failed, position left on exchange")
			e.deps.Notifier.Publish(ctx, notify.ErrorEvent{
				Context: "slippage unwind " + opp.Symbol, Err: closeErr.Error(),
			})
		}
		e.skipEntry(ctx, opp.Symbol, "slippage",
			fmt.Sprintf("fill slipped %s%% from observed price", slip.Mul(decimal.NewFromInt(100)).StringFixed(3)))
		return
	}

	pos := &model.Position{
		PositionID:            result.PositionID,
		Symbol:                opp.Symbol,
		Side:                  opp.Side,
		Quantity:              quantity,
		EntryPrice:            result.EntryPrice,
		Leverage:              leverage,
		ExpectedFundingRate:   opp.Rate,
		FundingSettlementTime: opp.NextSettlement,
		EntryTime:             now,
		Phase:                 model.PhasePreSettlement,
	}
	if err := e.deps.Store.Add(pos); err != nil {
		log.WithError(err).Error("[strategy] opened position could not be tracked")
		return
	}

	if e.deps.Stream != nil {
		e.deps.Stream.Subscribe(opp.Symbol)
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Phase), string(pos.Side)).Inc()
	log.WithFields(map[string]interface{}{
		"position_id": pos.PositionID,
		"quantity":    quantity.String(),
		"leverage":    leverage,
		"entry_price": result.EntryPrice.String(),
		"stop_loss":   stopPrice.String(),
	}).Info("[strategy] position opened")

	e.deps.Notifier.Publish(ctx, notify.PositionOpenedEvent{
		PositionID:  pos.PositionID,
		Symbol:      pos.Symbol,
		Side:        string(pos.Side),
		Quantity:    quantity,
		EntryPrice:  result.EntryPrice,
		Leverage:    leverage,
		FundingRate: opp.Rate,
		Settlement:  opp.NextSettlement,
		MarginUSD:   e.params.MarginUSD,
		StopLoss:    stopPrice,
	})
}

func (e *Engine) hasPositionFor(symbol string) bool {
	for _, pos := range e.deps.Store.ListActive() {
		if pos.Symbol == symbol {
			return true
		}
	}
	return false
}

func (e *Engine) skipEntry(ctx context.Context, symbol, guard, detail string) {
	metrics.EntriesSkipped.WithLabelValues(guard).Inc()
	logger.WithFields(map[string]interface{}{
		"symbol": symbol,
		"guard":  guard,
		"detail": detail,
	}).Info("[strategy] entry skipped")

	if e.params.NotifySkips &&
		e.deps.Session.ShouldNotifySkip(symbol, guard, e.now().UTC(), e.params.SkipNotifyInterval) {
		e.deps.Notifier.Publish(ctx, notify.SkipEvent{Symbol: symbol, Reason: guard + ": " + detail})
	}
}

// ----- exit side -----

// observation is one position's per-tick market read. Fetch errors stay
// attached so the sequential decision pass can tell "no data" from zero.
type observation struct {
	snap    *marketdata.FundingSnapshot
	snapErr error
	pnl     *decimal.Decimal
	pnlErr  error
}

// manageExits fetches market state for every active position in parallel,
// then walks them sequentially applying funding verification, the exit
// rules and the reversal trigger. Mutation only happens in the sequential
// pass.
func (e *Engine) manageExits(ctx context.Context) {
	active := e.deps.Store.ListActive()
	if len(active) == 0 {
		return
	}

	obs := make([]observation, len(active))
	var g errgroup.Group
	for i, pos := range active {
		i, pos := i, pos
		g.Go(func() error {
			obs[i].snap, obs[i].snapErr = e.deps.Market.Snapshot(ctx, pos.Symbol)
			obs[i].pnl, obs[i].pnlErr = e.deps.Gateway.UnrealizedPnL(ctx, pos.PositionID)
			return nil
		})
	}
	g.Wait()

	for i, pos := range active {
		e.managePosition(ctx, pos, obs[i])
	}
}

func (e *Engine) managePosition(ctx context.Context, pos *model.Position, obs observation) {
	now := e.now().UTC()
	log := logger.WithFields(map[string]interface{}{
		"position_id": pos.PositionID,
		"symbol":      pos.Symbol,
		"phase":       string(pos.Phase),
	})

	if pos.Phase == model.PhasePreSettlement && !pos.FundingReceived &&
		!now.Before(pos.FundingSettlementTime.Add(e.params.FundingVerifyDelay)) {
		e.settleFunding(ctx, pos, now)
		// Re-read: the store owns the booked credit.
		if fresh, ok := e.deps.Store.Get(pos.PositionID); ok {
			pos = fresh
		}
	}

	pnl := obs.pnl
	if obs.pnlErr != nil {
		state := broker.ResolveState(ctx, e.deps.Gateway, pos.PositionID)
		switch state {
		case broker.StateClosed:
			// Stop loss fired or the position was liquidated; retire the
			// local record with its last known economics.
			log.Warn("[strategy] position no longer open on exchange, closing locally")
			e.closePosition(ctx, pos, nil, nil, "Position closed/liquidated externally", true)
			return
		case broker.StateOpen:
			// The position is alive, only the PnL read failed. Time-based
			// rules still apply this tick.
			pnl = nil
		default:
			log.WithError(obs.pnlErr).Warn("[strategy] exchange state unknown, holding until next tick")
			return
		}
	}

	var rate *decimal.Decimal
	var exitPrice *decimal.Decimal
	if obs.snapErr == nil && obs.snap != nil {
		r := obs.snap.Rate
		rate = &r
		p := obs.snap.MarkPrice
		exitPrice = &p
	} else if obs.snapErr != nil {
		log.WithError(obs.snapErr).Debug("[strategy] market snapshot unavailable")
	}

	if pnl != nil {
		total := pos.TotalPnL(*pnl)
		if err := e.deps.Store.ObservePnL(pos.PositionID, total); err == nil &&
			total.GreaterThan(pos.HighestPnL) {
			pos.HighestPnL = total
		}
	}

	decision := exitrules.Evaluate(pos, pnl, rate, e.params.Policy, now)
	if decision.Exit {
		e.closePosition(ctx, pos, pnl, exitPrice, decision.Reason, false)
		return
	}
	log.WithField("state", decision.Reason).Debug("[strategy] holding")

	e.maybeReverse(ctx, pos, pnl, obs, now)
}

// settleFunding verifies the funding credit against exchange history once
// the settlement plus verification delay has passed; when history has not
// caught up it books an estimate from the entry-time rate, which a later
// verified credit may only raise.
func (e *Engine) settleFunding(ctx context.Context, pos *model.Position, now time.Time) {
	rate, verified, err := e.deps.Market.VerifyFundingSettlement(ctx, pos.Symbol, pos.FundingSettlementTime)
	if err != nil {
		logger.WithError(err).WithField("symbol", pos.Symbol).
			Warn("[strategy] funding verification failed, will retry")
		return
	}
	if !verified {
		rate = pos.ExpectedFundingRate
	}

	credit := fundingCredit(pos.Side, rate, pos.Notional())
	if err := e.deps.Store.MarkFundingReceived(pos.PositionID, credit); err != nil {
		logger.WithError(err).WithField("position_id", pos.PositionID).
			Warn("[strategy] failed to book funding credit")
		return
	}

	logger.WithFields(map[string]interface{}{
		"position_id": pos.PositionID,
		"rate":        rate.String(),
		"credit":      credit.String(),
		"verified":    verified,
	}).Info("[strategy] funding settled")
}

// fundingCredit converts a settled rate into the holder's credit: shorts
// collect positive rates, longs collect negative ones.
func fundingCredit(side model.Side, rate, notional decimal.Decimal) decimal.Decimal {
	credit := rate.Mul(notional)
	if side == model.SideLong {
		credit = credit.Neg()
	}
	return credit
}

// maybeReverse applies the post-settlement reversal trigger: a funded
// pre-settlement leg in profit is closed outright; one at or below
// break-even is flipped to ride the expected price reversion.
func (e *Engine) maybeReverse(ctx context.Context, pos *model.Position, pnl *decimal.Decimal, obs observation, now time.Time) {
	if !e.params.ReversalEnabled || pos.Phase != model.PhasePreSettlement {
		return
	}
	if !pos.FundingReceived || now.Before(pos.FundingSettlementTime) {
		return
	}
	if pnl == nil {
		return
	}

	total := pos.TotalPnL(*pnl)
	if total.GreaterThan(decimal.Zero) {
		reason := fmt.Sprintf("Profit: $%s at settlement, skipping reversal", total.StringFixed(4))
		var exitPrice *decimal.Decimal
		if obs.snapErr == nil && obs.snap != nil {
			p := obs.snap.MarkPrice
			exitPrice = &p
		}
		e.closePosition(ctx, pos, pnl, exitPrice, reason, false)
		return
	}

	if obs.snapErr != nil || obs.snap == nil {
		// The flip needs a mark price for the inner close and the new
		// stop; wait for the next tick rather than guessing.
		return
	}

	reversed, err := e.deps.Reverser.Execute(ctx, pos, pnl, obs.snap.MarkPrice)
	if err != nil {
		logger.WithError(err).WithField("position_id", pos.PositionID).
			Error("[strategy] reversal failed")
		return
	}
	metrics.PositionsOpened.WithLabelValues(string(reversed.Phase), string(reversed.Side)).Inc()
}

// closePosition retires one position through the store and fans the result
// out to the session, metrics and notifications. A canceled run context
// must not orphan a live exchange position, so the close runs on a
// detached context.
func (e *Engine) closePosition(ctx context.Context, pos *model.Position, pnl, exitPrice *decimal.Decimal, reason string, localOnly bool) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	closed, err := e.deps.Store.ExecuteExit(closeCtx, positions.ExitRequest{
		PositionID:    pos.PositionID,
		Gateway:       e.deps.Gateway,
		ExitPrice:     exitPrice,
		UnrealizedPnL: pnl,
		Reason:        reason,
		LocalOnly:     localOnly,
	})
	if err != nil {
		logger.WithError(err).WithField("position_id", pos.PositionID).
			Warn("[strategy] close failed, holding for next tick")
		return
	}

	e.deps.Session.RecordTrade(closed)
	metrics.PositionsClosed.WithLabelValues(string(closed.Phase), metrics.CoarseExitReason(closed.ExitReason)).Inc()
	metrics.ActivePositions.Set(float64(e.deps.Store.ActiveCount()))
	stats := e.deps.Store.Stats()
	metrics.RealizedPnL.Set(stats.TotalPnL.InexactFloat64())
	metrics.FundingCollected.Set(stats.FundingCollected.InexactFloat64())

	realized := decimal.Zero
	if closed.RealizedPnL != nil {
		realized = *closed.RealizedPnL
	}
	e.deps.Notifier.Publish(closeCtx, notify.PositionClosedEvent{
		PositionID:  closed.PositionID,
		Symbol:      closed.Symbol,
		Side:        string(closed.Side),
		Phase:       string(closed.Phase),
		Reason:      closed.ExitReason,
		RealizedPnL: realized,
		Funding:     closed.FundingAmount,
		HoldTime:    closed.HoldDuration(e.now().UTC()),
		DailyPnL:    e.deps.Session.DailyPnL(),
	})
}
