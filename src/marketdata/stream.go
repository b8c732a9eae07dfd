package marketdata

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	streamDialTimeout  = 10 * time.Second
	streamPingInterval = 20 * time.Second
	streamReconnectMin = time.Second
	streamReconnectMax = 30 * time.Second
	// A cached ticker older than this is ignored and REST is used instead.
	streamStaleAfter = 10 * time.Second
)

type cachedTicker struct {
	snapshot   FundingSnapshot
	receivedAt time.Time
}

// TickerStream keeps a live cache of Bybit public ticker frames for the
// symbols the strategy is tracking. The tickers topic pushes deltas, so the
// cache merges each frame into the previous snapshot.
type TickerStream struct {
	wsURL string
	now   func() time.Time

	mu      sync.RWMutex
	tickers map[string]cachedTicker
	topics  map[string]bool

	subCh chan string
}

func NewTickerStream(wsURL string) *TickerStream {
	return &TickerStream{
		wsURL:   wsURL,
		now:     time.Now,
		tickers: make(map[string]cachedTicker),
		topics:  make(map[string]bool),
		subCh:   make(chan string, 16),
	}
}

// Subscribe registers interest in a symbol. Safe to call before or after
// Run; duplicate subscriptions are ignored.
func (t *TickerStream) Subscribe(symbol string) {
	t.mu.Lock()
	if t.topics[symbol] {
		t.mu.Unlock()
		return
	}
	t.topics[symbol] = true
	t.mu.Unlock()

	select {
	case t.subCh <- symbol:
	default:
		// Channel full: the next reconnect resubscribes everything anyway.
	}
}

// Snapshot returns the cached ticker for symbol if it is fresh enough to
// act on.
func (t *TickerStream) Snapshot(symbol string) (*FundingSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cached, ok := t.tickers[symbol]
	if !ok {
		return nil, false
	}
	if t.now().Sub(cached.receivedAt) > streamStaleAfter {
		return nil, false
	}
	snap := cached.snapshot
	return &snap, true
}

// Run connects, subscribes and consumes frames until the context is
// cancelled, reconnecting with backoff on any failure.
func (t *TickerStream) Run(ctx context.Context) error {
	backoff := streamReconnectMin

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := t.runConn(ctx)
		if ctx.Err() != nil {
			return nil
		}

		logger.WithError(err).Warnf("[marketdata] ticker stream disconnected, reconnecting in %s", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > streamReconnectMax {
			backoff = streamReconnectMax
		}
	}
}

func (t *TickerStream) runConn(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: streamDialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.WithField("url", t.wsURL).Info("[marketdata] ticker stream connected")

	if err := t.subscribeAll(conn); err != nil {
		return err
	}

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case symbol := <-t.subCh:
				if err := t.subscribeOne(conn, symbol); err != nil {
					logger.WithError(err).Warn("[marketdata] subscribe failed")
				}
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]interface{}{"op": "ping"}); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.consume(raw)
	}
}

func (t *TickerStream) subscribeAll(conn *websocket.Conn) error {
	t.mu.RLock()
	args := make([]string, 0, len(t.topics))
	for symbol := range t.topics {
		args = append(args, "tickers."+symbol)
	}
	t.mu.RUnlock()

	if len(args) == 0 {
		return nil
	}
	return conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": args})
}

func (t *TickerStream) subscribeOne(conn *websocket.Conn, symbol string) error {
	return conn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"tickers." + symbol},
	})
}

type tickerFrame struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol          string `json:"symbol"`
		LastPrice       string `json:"lastPrice"`
		MarkPrice       string `json:"markPrice"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
		Turnover24h     string `json:"turnover24h"`
	} `json:"data"`
}

func (t *TickerStream) consume(raw []byte) {
	var frame tickerFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if frame.Data.Symbol == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cached := t.tickers[frame.Data.Symbol]
	snap := cached.snapshot
	snap.Symbol = frame.Data.Symbol

	// Delta frames omit unchanged fields; merge over the previous values.
	if v, err := decimal.NewFromString(frame.Data.LastPrice); err == nil && frame.Data.LastPrice != "" {
		snap.LastPrice = v
	}
	if v, err := decimal.NewFromString(frame.Data.MarkPrice); err == nil && frame.Data.MarkPrice != "" {
		snap.MarkPrice = v
	}
	if v, err := decimal.NewFromString(frame.Data.FundingRate); err == nil && frame.Data.FundingRate != "" {
		snap.Rate = v
	}
	if v, err := decimal.NewFromString(frame.Data.Turnover24h); err == nil && frame.Data.Turnover24h != "" {
		snap.Volume24h = v
	}
	if frame.Data.NextFundingTime != "" {
		if ms, err := strconv.ParseInt(frame.Data.NextFundingTime, 10, 64); err == nil {
			snap.NextSettlement = time.UnixMilli(ms).UTC()
		}
	}

	t.tickers[frame.Data.Symbol] = cachedTicker{snapshot: snap, receivedAt: t.now()}
}
