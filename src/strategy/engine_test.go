package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fundingfarmer/src/broker"
	"fundingfarmer/src/exitrules"
	"fundingfarmer/src/marketdata"
	"fundingfarmer/src/model"
	"fundingfarmer/src/notify"
	"fundingfarmer/src/positions"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testNow = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

// ----- fakes -----

type fakeMarket struct {
	opps    []marketdata.Opportunity
	oppErr  error
	snaps   map[string]*marketdata.FundingSnapshot
	snapErr error

	verifyRate decimal.Decimal
	verified   bool
	verifyErr  error

	limits *marketdata.InstrumentLimits
}

func (m *fakeMarket) ExtremeFundingOpportunities(context.Context) ([]marketdata.Opportunity, error) {
	return m.opps, m.oppErr
}

func (m *fakeMarket) Snapshot(_ context.Context, symbol string) (*marketdata.FundingSnapshot, error) {
	if m.snapErr != nil {
		return nil, m.snapErr
	}
	snap, ok := m.snaps[symbol]
	if !ok {
		return nil, errors.New("no snapshot for " + symbol)
	}
	return snap, nil
}

func (m *fakeMarket) VerifyFundingSettlement(context.Context, string, time.Time) (decimal.Decimal, bool, error) {
	return m.verifyRate, m.verified, m.verifyErr
}

func (m *fakeMarket) InstrumentLimits(context.Context, string) (*marketdata.InstrumentLimits, error) {
	if m.limits == nil {
		return nil, errors.New("no limits")
	}
	return m.limits, nil
}

type fakeGateway struct {
	opens    []broker.OpenRequest
	openRes  *broker.OpenResult
	openErr  error
	closes   []string
	closeErr error

	pnl    map[string]decimal.Decimal
	pnlErr error

	open    []broker.OpenPosition
	listErr error

	balance decimal.Decimal
}

func (g *fakeGateway) Open(_ context.Context, req broker.OpenRequest) (*broker.OpenResult, error) {
	g.opens = append(g.opens, req)
	if g.openErr != nil {
		return nil, g.openErr
	}
	if g.openRes != nil {
		return g.openRes, nil
	}
	return &broker.OpenResult{
		PositionID: req.Symbol + "-" + string(req.Side),
		EntryPrice: d("100"),
	}, nil
}

func (g *fakeGateway) Close(_ context.Context, positionID string) error {
	g.closes = append(g.closes, positionID)
	return g.closeErr
}

func (g *fakeGateway) UnrealizedPnL(_ context.Context, positionID string) (*decimal.Decimal, error) {
	if g.pnlErr != nil {
		return nil, g.pnlErr
	}
	v, ok := g.pnl[positionID]
	if !ok {
		return nil, errors.New("position not open: " + positionID)
	}
	return &v, nil
}

func (g *fakeGateway) ListOpenPositions(context.Context) ([]broker.OpenPosition, error) {
	return g.open, g.listErr
}

func (g *fakeGateway) AvailableBalance(context.Context) (*decimal.Decimal, error) {
	bal := g.balance
	return &bal, nil
}

type fakeCandles struct {
	closes []decimal.Decimal
}

func (c *fakeCandles) RecentCloses(string) ([]decimal.Decimal, error) {
	return c.closes, nil
}

type fakeReverser struct {
	calls []decimal.Decimal // mark prices
	err   error
}

func (r *fakeReverser) Execute(_ context.Context, pos *model.Position, _ *decimal.Decimal, markPrice decimal.Decimal) (*model.Position, error) {
	r.calls = append(r.calls, markPrice)
	if r.err != nil {
		return nil, r.err
	}
	flipped := pos.Clone()
	flipped.PositionID = pos.PositionID + "-flip"
	flipped.Side = pos.Side.Opposite()
	flipped.Phase = model.PhaseReversed
	return flipped, nil
}

type eventRecorder struct {
	events []notify.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev notify.Event) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *eventRecorder) has(kind string) bool {
	for _, ev := range r.events {
		if ev.Kind() == kind {
			return true
		}
	}
	return false
}

// ----- harness -----

func testParams() Params {
	return Params{
		ExtremeRateThreshold: d("0.005"),
		EntryWindowMin:       time.Minute,
		EntryWindowMax:       5 * time.Minute,
		ScanInterval:         30 * time.Second,
		FastScanInterval:     5 * time.Second,
		MaxConcurrent:        3,

		MarginUSD:        d("50"),
		MinOrderValueUSD: d("8"),
		MinLeverage:      2,
		MaxLeverage:      10,

		SpreadThreshold:    d("0.002"),
		MaxSlippagePercent: d("0.003"),
		MaxDailyLossUSD:    d("50"),
		FundingVerifyDelay: 30 * time.Second,

		MomentumLookback: 5,
		MomentumMaxRunup: d("0.01"),

		Policy: exitrules.Policy{
			StopLossPercent:        d("0.05"),
			SoftLossPercent:        d("0.002"),
			MaxHoldAfterSettlement: 30 * time.Minute,
			FundingReversalFloor:   d("0.0003"),
		},
	}
}

type harness struct {
	engine   *Engine
	market   *fakeMarket
	gw       *fakeGateway
	store    *positions.Manager
	persist  *positions.MemoryPersister
	session  *Session
	reverser *fakeReverser
	events   *eventRecorder
}

func newHarness(t *testing.T, params Params) *harness {
	t.Helper()

	persist := positions.NewMemoryPersister()
	store, err := positions.NewManager(persist)
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	store.WithClock(func() time.Time { return testNow })

	market := &fakeMarket{
		snaps: map[string]*marketdata.FundingSnapshot{},
		limits: &marketdata.InstrumentLimits{
			MaxLeverage: 50,
			QtyStep:     d("0.001"),
			MinQty:      d("0.001"),
		},
	}
	gw := &fakeGateway{pnl: map[string]decimal.Decimal{}, balance: d("1000")}
	reverser := &fakeReverser{}
	events := &eventRecorder{}
	session := NewSession(testNow)

	engine := NewEngine(params, Deps{
		Market:   market,
		Candles:  &fakeCandles{},
		Gateway:  gw,
		Store:    store,
		Session:  session,
		Reverser: reverser,
		Notifier: events,
	}).WithClock(func() time.Time { return testNow })

	return &harness{
		engine:   engine,
		market:   market,
		gw:       gw,
		store:    store,
		persist:  persist,
		session:  session,
		reverser: reverser,
		events:   events,
	}
}

func opportunity(symbol, rate string, settleIn time.Duration) marketdata.Opportunity {
	r := d(rate)
	side := model.SideLong
	if r.IsPositive() {
		side = model.SideShort
	}
	return marketdata.Opportunity{
		FundingSnapshot: marketdata.FundingSnapshot{
			Symbol:         symbol,
			Rate:           r,
			MarkPrice:      d("100"),
			LastPrice:      d("100"),
			NextSettlement: testNow.Add(settleIn),
			Volume24h:      d("5000000"),
		},
		Side: side,
	}
}

func activePosition(symbol string, side model.Side, settledAgo time.Duration, funded bool) *model.Position {
	return &model.Position{
		PositionID:            symbol + "-" + string(side),
		Symbol:                symbol,
		Side:                  side,
		Quantity:              d("1"),
		EntryPrice:            d("100"),
		Leverage:              5,
		ExpectedFundingRate:   d("0.01"),
		FundingSettlementTime: testNow.Add(-settledAgo),
		EntryTime:             testNow.Add(-settledAgo - 3*time.Minute),
		FundingReceived:       funded,
		Phase:                 model.PhasePreSettlement,
	}
}

// ----- entry scan -----

func TestTickOpensPositionInsideWindow(t *testing.T) {
	h := newHarness(t, testParams())
	h.market.opps = []marketdata.Opportunity{opportunity("AUSDT", "0.012", 3*time.Minute)}
	// The exit pass runs in the same tick; give it a live read so the
	// fresh position is recognized as open.
	h.gw.pnl["AUSDT-SHORT"] = d("0")
	h.market.snaps["AUSDT"] = &marketdata.FundingSnapshot{
		Symbol: "AUSDT", Rate: d("0.012"), MarkPrice: d("100"), LastPrice: d("100"),
	}

	h.engine.tick(context.Background(), testNow)

	if len(h.gw.opens) != 1 {
		t.Fatalf("expected 1 order, got %d", len(h.gw.opens))
	}
	req := h.gw.opens[0]
	if req.Side != model.SideShort {
		t.Fatalf("positive rate must be shorted, got %s", req.Side)
	}
	// 1.2% rate sits on the top rung of the leverage ladder.
	if req.Leverage != 10 {
		t.Fatalf("expected max leverage 10, got %d", req.Leverage)
	}
	// margin 50 x lev 10 / price 100 = 5
	if !req.Quantity.Equal(d("5")) {
		t.Fatalf("unexpected quantity %s", req.Quantity)
	}
	// short stop sits above entry: 100 x (1 + 0.05/10)
	if !req.StopLossPrice.Equal(d("100.5")) {
		t.Fatalf("unexpected stop %s", req.StopLossPrice)
	}

	pos, ok := h.store.Get("AUSDT-SHORT")
	if !ok {
		t.Fatal("opened position is not tracked")
	}
	if pos.Phase != model.PhasePreSettlement {
		t.Fatalf("fresh position must be pre_settlement, got %s", pos.Phase)
	}
	if !h.events.has("position_opened") {
		t.Fatalf("missing position_opened event, got %v", h.events.kinds())
	}
}

func TestEntrySkippedOutsideWindow(t *testing.T) {
	h := newHarness(t, testParams())
	h.market.opps = []marketdata.Opportunity{
		opportunity("EARLY", "0.012", 20*time.Minute),
		opportunity("LATE", "0.012", 20*time.Second),
	}

	h.engine.tick(context.Background(), testNow)

	if len(h.gw.opens) != 0 {
		t.Fatalf("no order should be placed outside the window, got %d", len(h.gw.opens))
	}
}

func TestEntryRespectsConcurrencyCap(t *testing.T) {
	params := testParams()
	params.MaxConcurrent = 1
	h := newHarness(t, params)

	h.store.Add(activePosition("HELD", model.SideShort, -time.Hour, false))
	h.gw.pnl["HELD-SHORT"] = d("0")
	h.market.snaps["HELD"] = &marketdata.FundingSnapshot{
		Symbol: "HELD", Rate: d("0.01"), MarkPrice: d("100"), LastPrice: d("100"),
	}
	h.market.opps = []marketdata.Opportunity{opportunity("AUSDT", "0.012", 3*time.Minute)}

	h.engine.tick(context.Background(), testNow)

	if len(h.gw.opens) != 0 {
		t.Fatal("cap of 1 with 1 held position must block new entries")
	}
}

func TestPausedEngineOpensNothing(t *testing.T) {
	h := newHarness(t, testParams())
	h.market.opps = []marketdata.Opportunity{opportunity("AUSDT", "0.012", 3*time.Minute)}

	h.engine.Pause()
	h.engine.tick(context.Background(), testNow)

	if len(h.gw.opens) != 0 {
		t.Fatal("paused engine placed an order")
	}
	h.engine.Resume()
	h.engine.tick(context.Background(), testNow)
	if len(h.gw.opens) != 1 {
		t.Fatal("resumed engine should trade again")
	}
}

func TestDailyLossCapBlocksEntries(t *testing.T) {
	h := newHarness(t, testParams())
	loss := d("-60")
	h.session.RecordTrade(&model.Position{RealizedPnL: &loss, FundingAmount: decimal.Zero})
	h.market.opps = []marketdata.Opportunity{opportunity("AUSDT", "0.012", 3*time.Minute)}

	h.engine.tick(context.Background(), testNow)

	if len(h.gw.opens) != 0 {
		t.Fatal("daily loss cap must suspend entries")
	}
}

func TestSpreadGuardSkipsEntry(t *testing.T) {
	h := newHarness(t, testParams())
	opp := opportunity("AUSDT", "0.012", 3*time.Minute)
	opp.MarkPrice = d("101") // 1% off last, threshold is 0.2%
	h.market.opps = []marketdata.Opportunity{opp}

	h.engine.tick(context.Background(), testNow)

	if len(h.gw.opens) != 0 {
		t.Fatal("wide spread must block the entry")
	}
}

func TestMomentumGuardSkipsShortIntoRunup(t *testing.T) {
	h := newHarness(t, testParams())
	h.engine.deps.Candles = &fakeCandles{closes: []decimal.Decimal{d("100"), d("103")}}
	h.market.opps = []marketdata.Opportunity{opportunity("AUSDT", "0.012", 3*time.Minute)}

	h.engine.tick(context.Background(), testNow)

	if len(h.gw.opens) != 0 {
		t.Fatal("3% run-up must block a short entry")
	}
}

func TestSlippageUnwindsEntry(t *testing.T) {
	h := newHarness(t, testParams())
	h.market.opps = []marketdata.Opportunity{opportunity("AUSDT", "0.012", 3*time.Minute)}
	// Observed 100, filled 101: 1% slip against a 0.3% limit.
	h.gw.openRes = &broker.OpenResult{PositionID: "AUSDT-SHORT", EntryPrice: d("101")}

	h.engine.tick(context.Background(), testNow)

	if len(h.gw.closes) != 1 || h.gw.closes[0] != "AUSDT-SHORT" {
		t.Fatalf("slipped fill must be unwound, closes: %v", h.gw.closes)
	}
	if h.store.ActiveCount() != 0 {
		t.Fatal("unwound entry must not be tracked")
	}
}

// ----- exit management -----

func TestFundingVerifiedThenProfitExit(t *testing.T) {
	h := newHarness(t, testParams())
	pos := activePosition("AUSDT", model.SideShort, 2*time.Minute, false)
	h.store.Add(pos)

	h.market.verified = true
	h.market.verifyRate = d("0.01") // credit = 0.01 x 100 = 1
	h.market.snaps["AUSDT"] = &marketdata.FundingSnapshot{
		Symbol: "AUSDT", Rate: d("0.002"), MarkPrice: d("99.9"), LastPrice: d("99.9"),
	}
	h.gw.pnl["AUSDT-SHORT"] = d("-0.2") // total 0.8 > 0

	h.engine.tick(context.Background(), testNow)

	if h.store.ActiveCount() != 0 {
		t.Fatal("funded profitable position must be closed")
	}
	trades := h.store.Trades()
	if len(trades) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(trades))
	}
	closed := trades[0]
	if !closed.FundingReceived || !closed.FundingAmount.Equal(d("1")) {
		t.Fatalf("verified funding credit not booked: %v", closed.FundingAmount)
	}
	if closed.RealizedPnL == nil || !closed.RealizedPnL.Equal(d("0.8")) {
		t.Fatalf("realized PnL = unrealized + funding, got %v", closed.RealizedPnL)
	}
	if len(h.gw.closes) != 1 {
		t.Fatalf("broker close expected once, got %v", h.gw.closes)
	}
	if !h.events.has("position_closed") {
		t.Fatalf("missing position_closed event, got %v", h.events.kinds())
	}

	if h.session.DailyPnL().Equal(decimal.Zero) {
		t.Fatal("closed trade must reach the daily session")
	}
}

func TestUnverifiedFundingFallsBackToEstimate(t *testing.T) {
	h := newHarness(t, testParams())
	pos := activePosition("AUSDT", model.SideShort, 2*time.Minute, false)
	pos.Leverage = 2
	h.store.Add(pos)

	h.market.verified = false // history not caught up
	h.market.snaps["AUSDT"] = &marketdata.FundingSnapshot{
		Symbol: "AUSDT", Rate: d("0.01"), MarkPrice: d("100"), LastPrice: d("100"),
	}
	// Total -1 after the estimated credit: past the small-loss band but
	// short of the stop, so the position is held.
	h.gw.pnl["AUSDT-SHORT"] = d("-2")

	h.engine.tick(context.Background(), testNow)

	got, ok := h.store.Get("AUSDT-SHORT")
	if !ok {
		t.Fatal("position should still be open")
	}
	// estimate from the entry-time rate: 0.01 x 100 = 1
	if !got.FundingReceived || !got.FundingAmount.Equal(d("1")) {
		t.Fatalf("estimated funding credit not booked: %v", got.FundingAmount)
	}
}

func TestLongFundingCreditFlipsSign(t *testing.T) {
	if !fundingCredit(model.SideLong, d("-0.01"), d("100")).Equal(d("1")) {
		t.Fatal("long collecting a negative rate must be credited positively")
	}
	if !fundingCredit(model.SideShort, d("0.01"), d("100")).Equal(d("1")) {
		t.Fatal("short collecting a positive rate must be credited positively")
	}
}

func TestUnknownExchangeStateHolds(t *testing.T) {
	h := newHarness(t, testParams())
	h.store.Add(activePosition("AUSDT", model.SideShort, -time.Hour, false))

	h.gw.pnlErr = errors.New("timeout")
	h.gw.listErr = errors.New("timeout") // state stays unknown

	h.engine.tick(context.Background(), testNow)

	if h.store.ActiveCount() != 1 {
		t.Fatal("unknown exchange state must never close locally")
	}
	if len(h.gw.closes) != 0 {
		t.Fatal("no close call on unknown state")
	}
}

func TestConfirmedAbsentPositionClosesLocally(t *testing.T) {
	h := newHarness(t, testParams())
	pos := activePosition("AUSDT", model.SideShort, 2*time.Minute, true)
	pos.FundingAmount = d("0.5")
	h.store.Add(pos)

	h.gw.pnlErr = errors.New("position not found")
	h.gw.open = nil // exchange lists nothing: confirmed absent

	h.engine.tick(context.Background(), testNow)

	if h.store.ActiveCount() != 0 {
		t.Fatal("confirmed-absent position must be retired")
	}
	if len(h.gw.closes) != 0 {
		t.Fatal("local-only close must not call the broker")
	}
	trades := h.store.Trades()
	if len(trades) != 1 || trades[0].ExitReason != "Position closed/liquidated externally" {
		t.Fatalf("unexpected ledger: %+v", trades)
	}
	// Last-known funding is preserved.
	if trades[0].RealizedPnL == nil || !trades[0].RealizedPnL.Equal(d("0.5")) {
		t.Fatalf("last-known funding lost: %v", trades[0].RealizedPnL)
	}
}

// ----- reversal trigger -----

func reversalParams() Params {
	params := testParams()
	params.ReversalEnabled = true
	params.Policy.ReversalEnabled = true
	params.Policy.ReversalMaxHold = 30 * time.Minute
	params.Policy.ReversalProfitPercent = d("0.05")
	return params
}

func TestSettledLoserIsReversed(t *testing.T) {
	h := newHarness(t, reversalParams())
	pos := activePosition("AUSDT", model.SideShort, 2*time.Minute, true)
	pos.FundingAmount = d("0.5")
	h.store.Add(pos)

	h.market.snaps["AUSDT"] = &marketdata.FundingSnapshot{
		Symbol: "AUSDT", Rate: d("0.002"), MarkPrice: d("100.4"), LastPrice: d("100.4"),
	}
	h.gw.pnl["AUSDT-SHORT"] = d("-0.9") // total -0.4 <= 0

	h.engine.tick(context.Background(), testNow)

	if len(h.reverser.calls) != 1 {
		t.Fatalf("expected exactly one reversal, got %d", len(h.reverser.calls))
	}
	if !h.reverser.calls[0].Equal(d("100.4")) {
		t.Fatalf("reversal must be priced at the mark, got %s", h.reverser.calls[0])
	}
}

func TestSettledWinnerClosesInsteadOfReversing(t *testing.T) {
	h := newHarness(t, reversalParams())
	pos := activePosition("AUSDT", model.SideShort, 2*time.Minute, true)
	pos.FundingAmount = d("1")
	h.store.Add(pos)

	h.market.snaps["AUSDT"] = &marketdata.FundingSnapshot{
		Symbol: "AUSDT", Rate: d("0.002"), MarkPrice: d("99.9"), LastPrice: d("99.9"),
	}
	h.gw.pnl["AUSDT-SHORT"] = d("-0.2") // total 0.8 > 0

	h.engine.tick(context.Background(), testNow)

	if len(h.reverser.calls) != 0 {
		t.Fatal("a settlement winner must be closed outright, not reversed")
	}
	if h.store.ActiveCount() != 0 {
		t.Fatal("winner should have been closed")
	}
	trades := h.store.Trades()
	if len(trades) != 1 || !strings.HasPrefix(trades[0].ExitReason, "Profit") {
		t.Fatalf("unexpected exit: %+v", trades)
	}
}

func TestUnfundedPositionIsNotReversed(t *testing.T) {
	h := newHarness(t, reversalParams())
	// Settled 10s ago: inside the verification delay, funding unknown.
	pos := activePosition("AUSDT", model.SideShort, 10*time.Second, false)
	h.store.Add(pos)

	h.market.snaps["AUSDT"] = &marketdata.FundingSnapshot{
		Symbol: "AUSDT", Rate: d("0.002"), MarkPrice: d("100"), LastPrice: d("100"),
	}
	h.gw.pnl["AUSDT-SHORT"] = d("-0.4")

	h.engine.tick(context.Background(), testNow)

	if len(h.reverser.calls) != 0 {
		t.Fatal("reversal before the funding credit is confirmed")
	}
	if h.store.ActiveCount() != 1 {
		t.Fatal("position must stay open while funding is pending")
	}
}

// ----- status surface -----

func TestStatusAndStatsText(t *testing.T) {
	h := newHarness(t, testParams())
	h.store.Add(activePosition("AUSDT", model.SideShort, -time.Hour, false))

	status := h.engine.StatusText()
	if !strings.Contains(status, "AUSDT") || !strings.Contains(status, "1/3") {
		t.Fatalf("status text missing position summary:\n%s", status)
	}

	h.engine.Pause()
	if !strings.Contains(h.engine.StatusText(), "PAUSED") {
		t.Fatal("status must surface the paused state")
	}

	if stats := h.engine.StatsText(); !strings.Contains(stats, "Trades: 0") {
		t.Fatalf("unexpected stats text:\n%s", stats)
	}
}
