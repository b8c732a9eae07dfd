package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fundingfarmer/src/model"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type bybitFake struct {
	positions     []map[string]interface{}
	orders        []map[string]interface{}
	orderRetCode  int
	sawSignHeader bool
}

func (f *bybitFake) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-BAPI-SIGN") != "" && r.Header.Get("X-BAPI-API-KEY") != "" &&
			r.Header.Get("X-BAPI-TIMESTAMP") != "" {
			f.sawSignHeader = true
		}

		switch r.URL.Path {
		case "/v5/position/list":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"retCode": 0, "retMsg": "OK",
				"result": map[string]interface{}{"list": f.positions, "nextPageCursor": ""},
			})
		case "/v5/position/set-leverage":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"retCode": 110043, "retMsg": "leverage not modified",
				"result": map[string]interface{}{},
			})
		case "/v5/order/create":
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			f.orders = append(f.orders, body)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"retCode": f.orderRetCode, "retMsg": "OK",
				"result": map[string]interface{}{"orderId": "o-1"},
			})
		case "/v5/account/wallet-balance":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"retCode": 0, "retMsg": "OK",
				"result": map[string]interface{}{
					"list": []map[string]interface{}{{"totalAvailableBalance": "123.45"}},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestBybit(t *testing.T, fake *bybitFake) *Bybit {
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewBybit("key", "secret", srv.URL, 5000)
}

func TestBybitOpenUsesPositionListFillPrice(t *testing.T) {
	fake := &bybitFake{
		positions: []map[string]interface{}{
			{"symbol": "BTCUSDT", "side": "Sell", "size": "0.01", "avgPrice": "50123.5", "unrealisedPnl": "0"},
		},
	}
	gw := newTestBybit(t, fake)

	result, err := gw.Open(context.Background(), OpenRequest{
		Symbol:        "BTCUSDT",
		Side:          model.SideShort,
		Quantity:      d("0.01"),
		Leverage:      10,
		StopLossPrice: d("50374.1"),
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if result.PositionID != "BTCUSDT-SHORT" {
		t.Fatalf("unexpected position id %q", result.PositionID)
	}
	if !result.EntryPrice.Equal(d("50123.5")) {
		t.Fatalf("entry price not taken from position list: %s", result.EntryPrice)
	}
	if !fake.sawSignHeader {
		t.Fatal("requests were not signed")
	}

	if len(fake.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(fake.orders))
	}
	order := fake.orders[0]
	if order["side"] != "Sell" || order["orderType"] != "Market" {
		t.Fatalf("unexpected order shape: %v", order)
	}
	if order["stopLoss"] != "50374.1" {
		t.Fatalf("stop loss not forwarded: %v", order["stopLoss"])
	}
}

func TestBybitCloseAlreadyFlatIsSuccess(t *testing.T) {
	fake := &bybitFake{} // empty position list
	gw := newTestBybit(t, fake)

	if err := gw.Close(context.Background(), "BTCUSDT-SHORT"); err != nil {
		t.Fatalf("close of flat position must succeed, got %v", err)
	}
	if len(fake.orders) != 0 {
		t.Fatalf("no close order should be sent when flat, got %d", len(fake.orders))
	}
}

func TestBybitCloseSendsReduceOnlyOpposite(t *testing.T) {
	fake := &bybitFake{
		positions: []map[string]interface{}{
			{"symbol": "BTCUSDT", "side": "Sell", "size": "0.01", "avgPrice": "50000", "unrealisedPnl": "-0.2"},
		},
	}
	gw := newTestBybit(t, fake)

	if err := gw.Close(context.Background(), "BTCUSDT-SHORT"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(fake.orders) != 1 {
		t.Fatalf("expected 1 close order, got %d", len(fake.orders))
	}
	order := fake.orders[0]
	if order["side"] != "Buy" || order["reduceOnly"] != true || order["qty"] != "0.01" {
		t.Fatalf("unexpected close order: %v", order)
	}
}

func TestBybitCloseTreatsZeroPositionRetCodeAsSuccess(t *testing.T) {
	fake := &bybitFake{
		positions: []map[string]interface{}{
			{"symbol": "BTCUSDT", "side": "Sell", "size": "0.01", "avgPrice": "50000", "unrealisedPnl": "0"},
		},
		orderRetCode: 110017,
	}
	gw := newTestBybit(t, fake)

	if err := gw.Close(context.Background(), "BTCUSDT-SHORT"); err != nil {
		t.Fatalf("retCode 110017 must map to success, got %v", err)
	}
}

func TestBybitUnrealizedPnLAndBalance(t *testing.T) {
	fake := &bybitFake{
		positions: []map[string]interface{}{
			{"symbol": "BTCUSDT", "side": "Sell", "size": "0.01", "avgPrice": "50000", "unrealisedPnl": "-0.30"},
		},
	}
	gw := newTestBybit(t, fake)

	pnl, err := gw.UnrealizedPnL(context.Background(), "BTCUSDT-SHORT")
	if err != nil {
		t.Fatalf("pnl lookup failed: %v", err)
	}
	if !pnl.Equal(d("-0.30")) {
		t.Fatalf("unexpected pnl %s", pnl)
	}

	if _, err := gw.UnrealizedPnL(context.Background(), "ETHUSDT-LONG"); err == nil {
		t.Fatal("pnl for a flat position must error, not report zero")
	}

	balance, err := gw.AvailableBalance(context.Background())
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if !balance.Equal(d("123.45")) {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestSplitPositionID(t *testing.T) {
	symbol, side, err := SplitPositionID("1000PEPEUSDT-LONG")
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if symbol != "1000PEPEUSDT" || side != model.SideLong {
		t.Fatalf("unexpected split %q %q", symbol, side)
	}

	if _, _, err := SplitPositionID("garbage"); err == nil {
		t.Fatal("malformed id must error")
	}
}

type scriptedGateway struct {
	Gateway
	open    []OpenPosition
	listErr error
}

func (s *scriptedGateway) ListOpenPositions(context.Context) ([]OpenPosition, error) {
	return s.open, s.listErr
}

func TestResolveState(t *testing.T) {
	gw := &scriptedGateway{open: []OpenPosition{{PositionID: "A"}}}

	if got := ResolveState(context.Background(), gw, "A"); got != StateOpen {
		t.Fatalf("expected confirmed-open, got %s", got)
	}
	if got := ResolveState(context.Background(), gw, "B"); got != StateClosed {
		t.Fatalf("expected confirmed-closed, got %s", got)
	}

	gw.listErr = errors.New("timeout")
	if got := ResolveState(context.Background(), gw, "A"); got != StateUnknown {
		t.Fatalf("listing failure must yield unknown, got %s", got)
	}
}
