package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"fundingfarmer/src/model"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
)

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

// FundingSnapshot is the per-symbol market state the strategy decides on.
type FundingSnapshot struct {
	Symbol         string
	Rate           decimal.Decimal
	MarkPrice      decimal.Decimal
	LastPrice      decimal.Decimal
	NextSettlement time.Time
	Volume24h      decimal.Decimal
}

// Opportunity is a snapshot whose funding rate cleared the extreme-rate
// threshold, annotated with the side that collects the payment.
type Opportunity struct {
	FundingSnapshot
	Side model.Side
}

// InstrumentLimits are the exchange rules sizing must respect.
type InstrumentLimits struct {
	MaxLeverage int
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

type apiEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type tickerEntry struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	MarkPrice       string `json:"markPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	Turnover24h     string `json:"turnover24h"`
}

// Service reads Bybit v5 public market data. When a ticker stream is
// attached its cache is consulted before REST, so settlement-window timing
// does not depend on HTTP round trips.
type Service struct {
	http          *resty.Client
	stream        *TickerStream
	rateThreshold decimal.Decimal
	minVolume     decimal.Decimal
}

func NewService(baseURL string, timeout time.Duration, rateThreshold, minVolume decimal.Decimal) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &Service{
		http:          httpClient,
		rateThreshold: rateThreshold,
		minVolume:     minVolume,
	}
}

// AttachStream wires a WebSocket ticker cache in front of the REST lookups.
func (s *Service) AttachStream(stream *TickerStream) {
	s.stream = stream
}

func (s *Service) tickers(ctx context.Context, symbol string) ([]tickerEntry, error) {
	req := s.http.R().
		SetContext(ctx).
		SetQueryParam("category", "linear")
	if symbol != "" {
		req = req.SetQueryParam("symbol", symbol)
	}

	resp, err := req.Get("/v5/market/tickers")
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
	if envelope.RetCode != 0 {
		return nil, fmt.Errorf("tickers API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}

	var parsed struct {
		List []tickerEntry `json:"list"`
	}
	if err := json.Unmarshal(envelope.Result, &parsed); err != nil {
		return nil, err
	}
	return parsed.List, nil
}

func snapshotFromTicker(entry tickerEntry) (*FundingSnapshot, error) {
	rate, err := decimal.NewFromString(entry.FundingRate)
	if err != nil {
		return nil, fmt.Errorf("invalid fundingRate %q for %s", entry.FundingRate, entry.Symbol)
	}
	last, err := decimal.NewFromString(entry.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid lastPrice %q for %s", entry.LastPrice, entry.Symbol)
	}
	mark := last
	if entry.MarkPrice != "" {
		if mark, err = decimal.NewFromString(entry.MarkPrice); err != nil {
			return nil, fmt.Errorf("invalid markPrice %q for %s", entry.MarkPrice, entry.Symbol)
		}
	}
	volume := decimal.Zero
	if entry.Turnover24h != "" {
		if volume, err = decimal.NewFromString(entry.Turnover24h); err != nil {
			return nil, fmt.Errorf("invalid turnover24h %q for %s", entry.Turnover24h, entry.Symbol)
		}
	}

	var settlement time.Time
	if entry.NextFundingTime != "" {
		ms, err := strconv.ParseInt(entry.NextFundingTime, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid nextFundingTime %q for %s", entry.NextFundingTime, entry.Symbol)
		}
		settlement = time.UnixMilli(ms).UTC()
	}

	return &FundingSnapshot{
		Symbol:         entry.Symbol,
		Rate:           rate,
		MarkPrice:      mark,
		LastPrice:      last,
		NextSettlement: settlement,
		Volume24h:      volume,
	}, nil
}

// Snapshot returns the current funding state for one symbol, preferring the
// stream cache when one is attached and fresh.
func (s *Service) Snapshot(ctx context.Context, symbol string) (*FundingSnapshot, error) {
	if s.stream != nil {
		if snap, ok := s.stream.Snapshot(symbol); ok {
			return snap, nil
		}
	}

	list, err := s.tickers(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no ticker for symbol %s", symbol)
	}
	return snapshotFromTicker(list[0])
}

// LastPrice satisfies the paper broker's price source.
func (s *Service) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	snap, err := s.Snapshot(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.LastPrice, nil
}

// TimeToSettlement is negative once the settlement has passed.
func TimeToSettlement(next time.Time, now time.Time) time.Duration {
	return next.Sub(now)
}

// ExtremeFundingOpportunities sweeps every linear ticker and returns the
// symbols whose |funding rate| clears the threshold and whose 24h turnover
// clears the volume floor, sorted by |rate| descending. The side is the one
// that collects the payment: SHORT when longs pay (rate > 0), LONG when
// shorts pay.
func (s *Service) ExtremeFundingOpportunities(ctx context.Context) ([]Opportunity, error) {
	list, err := s.tickers(ctx, "")
	if err != nil {
		return nil, err
	}

	var out []Opportunity
	for _, entry := range list {
		snap, err := snapshotFromTicker(entry)
		if err != nil {
			logger.WithError(err).WithField("symbol", entry.Symbol).Debug("[marketdata] skipping unparsable ticker")
			continue
		}
		if snap.Rate.Abs().LessThan(s.rateThreshold) {
			continue
		}
		if snap.Volume24h.LessThan(s.minVolume) {
			continue
		}

		side := model.SideLong
		if snap.Rate.IsPositive() {
			side = model.SideShort
		}
		out = append(out, Opportunity{FundingSnapshot: *snap, Side: side})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Rate.Abs().GreaterThan(out[j].Rate.Abs())
	})
	return out, nil
}

// VerifyFundingSettlement checks the funding-history endpoint for a rate
// settled at (or after) the expected settlement time. verified is false when
// history has not caught up yet; the caller then falls back to estimating.
func (s *Service) VerifyFundingSettlement(ctx context.Context, symbol string, settlement time.Time) (decimal.Decimal, bool, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("category", "linear").
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", "1").
		Get("/v5/market/funding/history")
	if err != nil {
		return decimal.Zero, false, err
	}
	if resp.StatusCode() != 200 {
		return decimal.Zero, false, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return decimal.Zero, false, err
	}
	if envelope.RetCode != 0 {
		return decimal.Zero, false, fmt.Errorf("funding history API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}

	var parsed struct {
		List []struct {
			FundingRate          string `json:"fundingRate"`
			FundingRateTimestamp string `json:"fundingRateTimestamp"`
		} `json:"list"`
	}
	if err := json.Unmarshal(envelope.Result, &parsed); err != nil {
		return decimal.Zero, false, err
	}
	if len(parsed.List) == 0 {
		return decimal.Zero, false, nil
	}

	entry := parsed.List[0]
	ms, err := strconv.ParseInt(entry.FundingRateTimestamp, 10, 64)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid fundingRateTimestamp %q: %w", entry.FundingRateTimestamp, err)
	}
	settledAt := time.UnixMilli(ms).UTC()

	// Allow a small clock skew between the ticker's announced settlement
	// and the history record.
	if settledAt.Before(settlement.Add(-time.Minute)) {
		return decimal.Zero, false, nil
	}

	rate, err := decimal.NewFromString(entry.FundingRate)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid fundingRate %q: %w", entry.FundingRate, err)
	}
	return rate, true, nil
}

// InstrumentLimits fetches the leverage and lot-size rules for one symbol.
func (s *Service) InstrumentLimits(ctx context.Context, symbol string) (*InstrumentLimits, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("category", "linear").
		SetQueryParam("symbol", symbol).
		Get("/v5/market/instruments-info")
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
	if envelope.RetCode != 0 {
		return nil, fmt.Errorf("instruments API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}

	var parsed struct {
		List []struct {
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
			LotSizeFilter struct {
				QtyStep        string `json:"qtyStep"`
				MinOrderQty    string `json:"minOrderQty"`
				MinNotionalVal string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(envelope.Result, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.List) == 0 {
		return nil, fmt.Errorf("no instrument info for %s", symbol)
	}

	info := parsed.List[0]
	limits := &InstrumentLimits{}

	if info.LeverageFilter.MaxLeverage != "" {
		maxLev, err := decimal.NewFromString(info.LeverageFilter.MaxLeverage)
		if err == nil {
			limits.MaxLeverage = int(maxLev.IntPart())
		}
	}
	if info.LotSizeFilter.QtyStep != "" {
		limits.QtyStep, _ = decimal.NewFromString(info.LotSizeFilter.QtyStep)
	}
	if info.LotSizeFilter.MinOrderQty != "" {
		limits.MinQty, _ = decimal.NewFromString(info.LotSizeFilter.MinOrderQty)
	}
	if info.LotSizeFilter.MinNotionalVal != "" {
		limits.MinNotional, _ = decimal.NewFromString(info.LotSizeFilter.MinNotionalVal)
	}
	return limits, nil
}
