package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"fundingfarmer/src/broker"
	"fundingfarmer/src/model"
	"fundingfarmer/src/notify"
	"fundingfarmer/src/positions"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testNow = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

type listOnlyGateway struct {
	broker.Gateway
	open    []broker.OpenPosition
	listErr error
	calls   int
}

func (g *listOnlyGateway) ListOpenPositions(context.Context) ([]broker.OpenPosition, error) {
	g.calls++
	return g.open, g.listErr
}

type recorder struct {
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, ev notify.Event) {
	r.events = append(r.events, ev)
}

func position(id string) *model.Position {
	return &model.Position{
		PositionID:            id,
		Symbol:                id + "USDT",
		Side:                  model.SideShort,
		Quantity:              d("1"),
		EntryPrice:            d("10"),
		Leverage:              5,
		ExpectedFundingRate:   d("0.008"),
		FundingSettlementTime: testNow,
		EntryTime:             testNow.Add(-time.Minute),
		FundingAmount:         d("0.08"),
		FundingReceived:       true,
		Phase:                 model.PhasePreSettlement,
	}
}

func newStore(t *testing.T) (*positions.Manager, *positions.MemoryPersister) {
	persist := positions.NewMemoryPersister()
	store, err := positions.NewManager(persist)
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	store.WithClock(func() time.Time { return testNow })
	return store, persist
}

func TestReconcileClosesExactlyTheOrphan(t *testing.T) {
	store, persist := newStore(t)
	store.Add(position("A"))
	store.Add(position("B"))

	gw := &listOnlyGateway{open: []broker.OpenPosition{{PositionID: "A", Symbol: "AUSDT"}}}
	alerts := &recorder{}
	svc := New(gw, store, alerts, 5*time.Minute)

	if err := svc.Run(context.Background(), testNow); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if _, ok := store.Get("A"); !ok {
		t.Fatal("A was touched; it exists on the exchange")
	}
	if _, ok := store.Get("B"); ok {
		t.Fatal("B should have been force-closed")
	}

	if len(persist.Trades) != 1 {
		t.Fatalf("orphan close must write 1 trade, got %d", len(persist.Trades))
	}
	closed := persist.Trades[0]
	if closed.ExitReason != "Position closed/liquidated externally" {
		t.Fatalf("unexpected reason %q", closed.ExitReason)
	}
	// Last-known funding is preserved on the record.
	if closed.RealizedPnL == nil || !closed.RealizedPnL.Equal(d("0.08")) {
		t.Fatalf("last-known funding lost: %v", closed.RealizedPnL)
	}

	if len(alerts.events) != 1 || alerts.events[0].Kind() != "reconciliation_alert" {
		t.Fatalf("expected exactly one reconciliation alert, got %v", alerts.events)
	}
}

func TestReconcileIntervalGating(t *testing.T) {
	store, _ := newStore(t)
	gw := &listOnlyGateway{}
	svc := New(gw, store, notify.Noop{}, 5*time.Minute)

	svc.Run(context.Background(), testNow)
	svc.Run(context.Background(), testNow.Add(time.Minute))
	if gw.calls != 1 {
		t.Fatalf("reconcile ran off-interval: %d calls", gw.calls)
	}

	svc.Run(context.Background(), testNow.Add(6*time.Minute))
	if gw.calls != 2 {
		t.Fatalf("reconcile did not run after the interval: %d calls", gw.calls)
	}
}

func TestReconcileListFailureSkipsAndRetries(t *testing.T) {
	store, _ := newStore(t)
	store.Add(position("A"))

	gw := &listOnlyGateway{listErr: errors.New("timeout")}
	svc := New(gw, store, notify.Noop{}, 5*time.Minute)

	if err := svc.Run(context.Background(), testNow); err == nil {
		t.Fatal("listing failure should surface")
	}
	if store.ActiveCount() != 1 {
		t.Fatal("a failed listing must not close anything")
	}

	// The clock did not advance: the very next tick may retry.
	gw.listErr = nil
	gw.open = []broker.OpenPosition{{PositionID: "A"}}
	if err := svc.Run(context.Background(), testNow.Add(time.Second)); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if gw.calls != 2 {
		t.Fatalf("expected immediate retry, got %d calls", gw.calls)
	}
}
