// BYBIT V5 LINEAR PERPETUALS GATEWAY
// RESTY ONLY + INTERNAL RETRY
package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"fundingfarmer/src/model"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
)

// Bybit retCodes that mean "the position is already flat", which a close
// must treat as success.
const (
	retCodeOK                = 0
	retCodeLeverageNotChange = 110043
	retCodeReduceOnlyZero    = 110017
	retCodePositionNotExist  = 110025
)

type apiEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

// Bybit talks to the v5 private REST API for USDT linear perpetuals in
// one-way mode. In that mode the exchange keys positions by symbol, so the
// gateway derives the opaque position identifier as "<symbol>-<side>"; the
// same derivation is applied to the authoritative list, which keeps local
// and exchange identifiers comparable without extra bookkeeping.
type Bybit struct {
	apiKey     string
	apiSecret  string
	recvWindow string
	http       *resty.Client
}

func NewBybit(apiKey, apiSecret, baseURL string, recvWindowMS int) *Bybit {
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
		logger.Warnf("No base URL provided, using default: %s", baseURL)
	}
	if recvWindowMS <= 0 {
		recvWindowMS = 5000
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &Bybit{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: fmt.Sprintf("%d", recvWindowMS),
		http:       httpClient,
	}
}

// sign computes the v5 request signature:
// HMAC-SHA256(timestamp + apiKey + recvWindow + payload).
func (b *Bybit) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(timestamp + b.apiKey + b.recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *Bybit) request(ctx context.Context, method, path string, query url.Values, body interface{}) (*apiEnvelope, error) {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())

	var payload string
	var rawBody []byte
	if body != nil {
		var err error
		rawBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = string(rawBody)
	} else if len(query) > 0 {
		payload = query.Encode()
	}

	req := b.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", b.apiKey).
		SetHeader("X-BAPI-TIMESTAMP", timestamp).
		SetHeader("X-BAPI-RECV-WINDOW", b.recvWindow).
		SetHeader("X-BAPI-SIGN", b.sign(timestamp, payload))

	if len(query) > 0 {
		req = req.SetQueryParamsFromValues(query)
	}
	if rawBody != nil {
		req = req.SetBody(rawBody).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// PositionID derives the gateway's opaque identifier for a one-way linear
// position.
func PositionID(symbol string, side model.Side) string {
	return fmt.Sprintf("%s-%s", symbol, side)
}

// SplitPositionID is the inverse of PositionID.
func SplitPositionID(positionID string) (symbol string, side model.Side, err error) {
	i := strings.LastIndex(positionID, "-")
	if i <= 0 || i == len(positionID)-1 {
		return "", "", fmt.Errorf("malformed position id %q", positionID)
	}
	symbol = positionID[:i]
	side = model.Side(positionID[i+1:])
	if side != model.SideLong && side != model.SideShort {
		return "", "", fmt.Errorf("malformed position id %q", positionID)
	}
	return symbol, side, nil
}

func sideToOrder(side model.Side) string {
	if side == model.SideLong {
		return "Buy"
	}
	return "Sell"
}

type bybitPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // Buy / Sell / "" when flat
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
}

type positionListResult struct {
	List           []bybitPosition `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

func (b *Bybit) positionsForSymbol(ctx context.Context, symbol string) ([]bybitPosition, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)

	envelope, err := b.request(ctx, "GET", "/v5/position/list", query, nil)
	if err != nil {
		return nil, err
	}
	if envelope.RetCode != retCodeOK {
		return nil, fmt.Errorf("position list API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}

	var parsed positionListResult
	if err := json.Unmarshal(envelope.Result, &parsed); err != nil {
		return nil, err
	}
	return parsed.List, nil
}

func (b *Bybit) setLeverage(ctx context.Context, symbol string, leverage int) error {
	envelope, err := b.request(ctx, "POST", "/v5/position/set-leverage", nil, map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  fmt.Sprintf("%d", leverage),
		"sellLeverage": fmt.Sprintf("%d", leverage),
	})
	if err != nil {
		return err
	}
	if envelope.RetCode != retCodeOK && envelope.RetCode != retCodeLeverageNotChange {
		return fmt.Errorf("set-leverage API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}
	return nil
}

func (b *Bybit) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if err := b.setLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return nil, fmt.Errorf("failed to set leverage for %s: %w", req.Symbol, err)
	}

	order := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        sideToOrder(req.Side),
		"orderType":   "Market",
		"qty":         req.Quantity.String(),
		"positionIdx": 0,
		"orderLinkId": fmt.Sprintf("ff-%s", uuid.NewString()),
	}
	if req.StopLossPrice.GreaterThan(decimal.Zero) {
		order["stopLoss"] = req.StopLossPrice.String()
	}

	envelope, err := b.request(ctx, "POST", "/v5/order/create", nil, order)
	if err != nil {
		return nil, err
	}
	if envelope.RetCode != retCodeOK {
		return nil, fmt.Errorf("order create API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}

	// Market orders fill immediately; the position list carries the real
	// average fill price.
	positions, err := b.positionsForSymbol(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("order placed but position lookup failed: %w", err)
	}

	entryPrice := decimal.Zero
	for _, p := range positions {
		if p.Side == sideToOrder(req.Side) && p.Size != "" && p.Size != "0" {
			entryPrice, err = decimal.NewFromString(p.AvgPrice)
			if err != nil {
				return nil, fmt.Errorf("invalid avgPrice %q for %s: %w", p.AvgPrice, req.Symbol, err)
			}
			break
		}
	}
	if entryPrice.IsZero() {
		return nil, fmt.Errorf("order placed for %s but no open position found", req.Symbol)
	}

	result := &OpenResult{
		PositionID: PositionID(req.Symbol, req.Side),
		EntryPrice: entryPrice,
	}

	logger.WithFields(map[string]interface{}{
		"position_id": result.PositionID,
		"symbol":      req.Symbol,
		"side":        req.Side,
		"qty":         req.Quantity.String(),
		"entry_price": entryPrice.String(),
		"leverage":    req.Leverage,
	}).Info("[broker] position opened")

	return result, nil
}

func (b *Bybit) Close(ctx context.Context, positionID string) error {
	symbol, side, err := SplitPositionID(positionID)
	if err != nil {
		return err
	}

	positions, err := b.positionsForSymbol(ctx, symbol)
	if err != nil {
		return err
	}

	var open *bybitPosition
	for i := range positions {
		p := positions[i]
		if p.Side == sideToOrder(side) && p.Size != "" && p.Size != "0" {
			open = &p
			break
		}
	}
	if open == nil {
		// Authoritative negative: the desired end state already holds.
		logger.WithField("position_id", positionID).Info("[broker] close requested but position already flat")
		return nil
	}

	envelope, err := b.request(ctx, "POST", "/v5/order/create", nil, map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        sideToOrder(side.Opposite()),
		"orderType":   "Market",
		"qty":         open.Size,
		"reduceOnly":  true,
		"positionIdx": 0,
		"orderLinkId": fmt.Sprintf("ff-close-%s", uuid.NewString()),
	})
	if err != nil {
		return err
	}

	switch envelope.RetCode {
	case retCodeOK, retCodeReduceOnlyZero, retCodePositionNotExist:
		logger.WithField("position_id", positionID).Info("[broker] position closed")
		return nil
	default:
		return fmt.Errorf("close API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}
}

func (b *Bybit) UnrealizedPnL(ctx context.Context, positionID string) (*decimal.Decimal, error) {
	symbol, side, err := SplitPositionID(positionID)
	if err != nil {
		return nil, err
	}

	positions, err := b.positionsForSymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	for _, p := range positions {
		if p.Side == sideToOrder(side) && p.Size != "" && p.Size != "0" {
			pnl, err := decimal.NewFromString(p.UnrealisedPnl)
			if err != nil {
				return nil, fmt.Errorf("invalid unrealisedPnl %q: %w", p.UnrealisedPnl, err)
			}
			return &pnl, nil
		}
	}
	return nil, fmt.Errorf("position %s not open on exchange", positionID)
}

func (b *Bybit) ListOpenPositions(ctx context.Context) ([]OpenPosition, error) {
	var out []OpenPosition
	cursor := ""

	for {
		query := url.Values{}
		query.Set("category", "linear")
		query.Set("settleCoin", "USDT")
		query.Set("limit", "200")
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		envelope, err := b.request(ctx, "GET", "/v5/position/list", query, nil)
		if err != nil {
			return nil, err
		}
		if envelope.RetCode != retCodeOK {
			return nil, fmt.Errorf("position list API error %d: %s", envelope.RetCode, envelope.RetMsg)
		}

		var parsed positionListResult
		if err := json.Unmarshal(envelope.Result, &parsed); err != nil {
			return nil, err
		}

		for _, p := range parsed.List {
			if p.Size == "" || p.Size == "0" {
				continue
			}
			side := model.SideLong
			if p.Side == "Sell" {
				side = model.SideShort
			}
			qty, _ := decimal.NewFromString(p.Size)
			entry, _ := decimal.NewFromString(p.AvgPrice)
			pnl, _ := decimal.NewFromString(p.UnrealisedPnl)
			out = append(out, OpenPosition{
				PositionID:    PositionID(p.Symbol, side),
				Symbol:        p.Symbol,
				Side:          side,
				Quantity:      qty,
				EntryPrice:    entry,
				UnrealizedPnL: pnl,
			})
		}

		cursor = parsed.NextPageCursor
		if cursor == "" {
			break
		}
	}
	return out, nil
}

type walletBalanceResult struct {
	List []struct {
		TotalAvailableBalance string `json:"totalAvailableBalance"`
	} `json:"list"`
}

func (b *Bybit) AvailableBalance(ctx context.Context) (*decimal.Decimal, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	envelope, err := b.request(ctx, "GET", "/v5/account/wallet-balance", query, nil)
	if err != nil {
		return nil, err
	}
	if envelope.RetCode != retCodeOK {
		return nil, fmt.Errorf("wallet balance API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}

	var parsed walletBalanceResult
	if err := json.Unmarshal(envelope.Result, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.List) == 0 {
		return nil, fmt.Errorf("wallet balance response carried no accounts")
	}

	balance, err := decimal.NewFromString(parsed.List[0].TotalAvailableBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid totalAvailableBalance %q: %w", parsed.List[0].TotalAvailableBalance, err)
	}
	return &balance, nil
}
