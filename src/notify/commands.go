package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

// BotControl is what the remote commands are allowed to touch on the
// running engine. The poller never reaches into the engine directly.
type BotControl interface {
	Pause()
	Resume()
	Paused() bool
	StatusText() string
	StatsText() string
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// CommandPoller long-polls Telegram getUpdates and routes the operator
// commands /kill, /live, /status, /stats and /help to the engine. Only the
// configured chat is obeyed; anything else is ignored.
type CommandPoller struct {
	chatID   string
	interval time.Duration
	http     *resty.Client
	control  BotControl
	sender   Notifier

	offset int64
}

func NewCommandPoller(botToken, chatID, baseURL string, pollInterval time.Duration, control BotControl, sender Notifier) *CommandPoller {
	httpClient := resty.New().
		SetBaseURL(fmt.Sprintf("%s/bot%s", baseURL, botToken)).
		SetTimeout(30 * time.Second).
		SetRetryCount(telegramRetryCount).
		SetRetryWaitTime(telegramRetryWait).
		AddRetryCondition(isRetryableResp)

	return &CommandPoller{
		chatID:   chatID,
		interval: pollInterval,
		http:     httpClient,
		control:  control,
		sender:   sender,
	}
}

// Run polls until the context is cancelled. Poll failures are logged and
// waited out; they never propagate to the caller.
func (p *CommandPoller) Run(ctx context.Context) error {
	logger.WithField("interval", p.interval).Info("[commands] Telegram command poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[commands] poller stopped")
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				logger.WithError(err).Warn("[commands] poll failed")
			}
		}
	}
}

func (p *CommandPoller) pollOnce(ctx context.Context) error {
	var parsed updatesResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("offset", fmt.Sprintf("%d", p.offset)).
		SetQueryParam("timeout", "0").
		SetResult(&parsed).
		Get("/getUpdates")
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 || !parsed.OK {
		return fmt.Errorf("getUpdates HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	for _, u := range parsed.Result {
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}
		if fmt.Sprintf("%d", u.Message.Chat.ID) != p.chatID {
			continue
		}
		p.handle(ctx, u.Message.Text)
	}
	return nil
}

func (p *CommandPoller) handle(ctx context.Context, text string) {
	cmd := strings.ToLower(strings.TrimSpace(text))
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	logger.WithField("command", cmd).Info("[commands] received")

	switch cmd {
	case "/kill":
		p.control.Pause()
		p.reply(ctx, "🛑 Entries paused. Open positions keep being managed. /live to resume.")
	case "/live":
		p.control.Resume()
		p.reply(ctx, "▶️ Entries resumed.")
	case "/status":
		p.reply(ctx, p.control.StatusText())
	case "/stats":
		p.reply(ctx, p.control.StatsText())
	case "/help":
		p.reply(ctx, "/kill pause entries\n/live resume entries\n/status open positions\n/stats performance\n/help this message")
	}
}

func (p *CommandPoller) reply(ctx context.Context, text string) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id": p.chatID,
			"text":    text,
		}).
		Post("/sendMessage")
	if err != nil {
		logger.WithError(err).Warn("[commands] reply failed")
		return
	}
	if resp.StatusCode() != 200 {
		logger.WithField("status", resp.StatusCode()).Warn("[commands] reply rejected")
	}
}
