package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	telegramTimeout    = 10 * time.Second
	telegramRetryCount = 2
	telegramRetryWait  = 500 * time.Millisecond
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

// Telegram delivers events as Markdown messages to a single chat. Send
// failures are logged and swallowed: a dead bot must never stop the trading
// loop.
type Telegram struct {
	chatID string
	http   *resty.Client
}

func NewTelegram(botToken, chatID, baseURL string) *Telegram {
	httpClient := resty.New().
		SetBaseURL(fmt.Sprintf("%s/bot%s", baseURL, botToken)).
		SetTimeout(telegramTimeout).
		SetRetryCount(telegramRetryCount).
		SetRetryWaitTime(telegramRetryWait).
		AddRetryCondition(isRetryableResp)

	return &Telegram{
		chatID: chatID,
		http:   httpClient,
	}
}

func (t *Telegram) Publish(ctx context.Context, event Event) {
	text := FormatEvent(event)
	if text == "" {
		return
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post("/sendMessage")
	if err != nil {
		logger.WithError(err).WithField("kind", event.Kind()).Warn("Telegram send failed")
		return
	}
	if resp.StatusCode() != 200 {
		logger.WithFields(map[string]interface{}{
			"kind":   event.Kind(),
			"status": resp.StatusCode(),
			"body":   string(resp.Body()),
		}).Warn("Telegram send rejected")
	}
}

// FormatEvent renders one event as a Telegram Markdown message. Unknown
// event types render empty and are dropped.
func FormatEvent(event Event) string {
	switch e := event.(type) {
	case OpportunityEvent:
		return fmt.Sprintf(
			"🔍 *Opportunity* %s\nRate: %s%% → %s\nSettles in: %s\n24h vol: $%s",
			e.Symbol, pct(e.Rate, 4), e.Side,
			e.TimeToSettle.Truncate(time.Second), e.Volume24h.StringFixed(0))
	case PositionOpenedEvent:
		return fmt.Sprintf(
			"🟢 *Opened* %s %s\nQty: %s @ $%s (%dx)\nRate: %s%%, settles %s\nStop: $%s",
			e.Side, e.Symbol, e.Quantity, e.EntryPrice, e.Leverage,
			pct(e.FundingRate, 4), e.Settlement.UTC().Format("15:04:05 UTC"),
			e.StopLoss)
	case PositionClosedEvent:
		icon := "🔴"
		if e.RealizedPnL.IsPositive() {
			icon = "💰"
		}
		return fmt.Sprintf(
			"%s *Closed* %s %s (%s)\nPnL: $%s (funding $%s)\nHeld: %s\nReason: %s\nDay: $%s",
			icon, e.Side, e.Symbol, e.Phase,
			e.RealizedPnL.StringFixed(4), e.Funding.StringFixed(4),
			e.HoldTime.Truncate(time.Second), e.Reason, e.DailyPnL.StringFixed(4))
	case ReversalEvent:
		return fmt.Sprintf(
			"🔄 *Reversal* %s → %s %s\nEntry: $%s\nFirst leg: $%s + funding $%s",
			e.ParentPositionID, e.Side, e.Symbol, e.EntryPrice,
			e.FirstLegPnL.StringFixed(4), e.FirstLegFunding.StringFixed(4))
	case ReconciliationAlertEvent:
		return fmt.Sprintf(
			"⚠️ *Reconciliation* %s %s\nPosition %s\n%s",
			e.Side, e.Symbol, e.PositionID, e.Detail)
	case DailySummaryEvent:
		return fmt.Sprintf(
			"📊 *Daily summary* %s\nTrades: %d (W%d/L%d, %s%%)\nPnL: $%s\nFunding: $%s",
			e.Day, e.Trades, e.Wins, e.Losses, e.WinRatePercent.StringFixed(1),
			e.RealizedPnL.StringFixed(4), e.FundingCollected.StringFixed(4))
	case SkipEvent:
		return fmt.Sprintf("⏭ *Skipped* %s: %s", e.Symbol, e.Reason)
	case ErrorEvent:
		return fmt.Sprintf("❌ *Error* in %s:\n`%s`", e.Context, e.Err)
	case StartupEvent:
		mode := "LIVE"
		if e.DryRun {
			mode = "DRY RUN"
		}
		return fmt.Sprintf(
			"🚀 *Funding farmer started* (%s)\nMax positions: %d, margin $%s",
			mode, e.MaxPositions, e.MarginUSD.StringFixed(0))
	case ShutdownEvent:
		return fmt.Sprintf("🛑 *Funding farmer stopped*, %d position(s) still open", e.ActivePositions)
	default:
		return ""
	}
}

var hundred = decimal.NewFromInt(100)

func pct(rate decimal.Decimal, places int32) string {
	return rate.Mul(hundred).StringFixed(places)
}
