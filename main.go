package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fundingfarmer/src/broker"
	"fundingfarmer/src/database"
	"fundingfarmer/src/marketdata"
	"fundingfarmer/src/notify"
	"fundingfarmer/src/positions"
	"fundingfarmer/src/reconcile"
	"fundingfarmer/src/repository"
	"fundingfarmer/src/reversal"
	"fundingfarmer/src/security"
	"fundingfarmer/src/server"
	"fundingfarmer/src/strategy"
)

var APP_NAME = os.Getenv("APP_NAME")

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	// .env is a local convenience; containers set real env vars.
	_ = godotenv.Load()
	SetupLogger()
	defer handlePanic()

	strategyCfg := strategy.GetConfig()
	params := strategyCfg.Parse()
	brokerCfg := broker.GetConfig()
	mdCfg := marketdata.GetConfig()
	notifyCfg := notify.GetConfig()

	market := marketdata.NewService(
		mdCfg.BaseURL,
		time.Duration(mdCfg.TimeoutSeconds)*time.Second,
		decimal.RequireFromString(mdCfg.ExtremeRateThreshold),
		decimal.RequireFromString(mdCfg.MinVolume24h),
	)

	var stream *marketdata.TickerStream
	if mdCfg.TickerStreamEnabled {
		stream = marketdata.NewTickerStream(mdCfg.WSURL)
		market.AttachStream(stream)
	}

	gw := buildGateway(brokerCfg, market)

	persist, err := positions.NewFilePersister(positions.GetConfig().DataDir)
	if err != nil {
		logger.WithError(err).Fatal("Failed to prepare data directory")
	}
	store, err := positions.NewManager(persist)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load persisted positions")
	}

	if database.GetConfig().EnableDB {
		if err := database.InitMainDB(); err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		store.WithMirror(repository.NewTradeRepository())
	}

	notifier := buildNotifier(notifyCfg)

	orchestrator := reversal.New(gw, store, notifier, params.Policy.StopLossPercent)
	reconciler := reconcile.New(gw, store, notifier,
		time.Duration(strategyCfg.ReconcileIntervalMinutes)*time.Minute)

	deps := strategy.Deps{
		Market:     market,
		Candles:    marketdata.NewMomentumGuard(params.MomentumLookback),
		Gateway:    gw,
		Store:      store,
		Session:    strategy.NewSession(time.Now().UTC()),
		Reverser:   orchestrator,
		Reconciler: reconciler,
		Notifier:   notifier,
		DryRun:     brokerCfg.DryRun,
	}
	if stream != nil {
		deps.Stream = stream
	}
	engine := strategy.NewEngine(params, deps)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return server.New(store, engine).Run(ctx, server.GetConfig().Port) })
	if stream != nil {
		g.Go(func() error { return stream.Run(ctx) })
	}
	if notifyCfg.TelegramBotToken != "" && notifyCfg.TelegramChatID != "" {
		poller := notify.NewCommandPoller(
			notifyCfg.TelegramBotToken,
			notifyCfg.TelegramChatID,
			notifyCfg.TelegramBaseURL,
			time.Duration(notifyCfg.PollSeconds)*time.Second,
			engine,
			notifier,
		)
		g.Go(func() error { return poller.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("Application exited with error")
	}
	logger.Info("Shutdown complete")
}

// buildGateway wires either the paper gateway (DRY_RUN) or the live Bybit
// client, decrypting credentials when the encrypted form is configured.
func buildGateway(cfg broker.Config, prices broker.PriceSource) broker.Gateway {
	if cfg.DryRun {
		logger.Warn("[main] DRY_RUN enabled: orders are simulated, no exchange calls")
		return broker.NewPaper(prices, decimal.RequireFromString(cfg.PaperBalance))
	}

	apiKey, apiSecret := cfg.APIKey, cfg.APISecret
	if cfg.APIKeyEnc != "" {
		decrypted, err := security.DecryptString(cfg.APIKeyEnc)
		if err != nil {
			logger.WithError(err).Fatal("Failed to decrypt BYBIT_API_KEY_ENC")
		}
		apiKey = decrypted
	}
	if cfg.APISecretEnc != "" {
		decrypted, err := security.DecryptString(cfg.APISecretEnc)
		if err != nil {
			logger.WithError(err).Fatal("Failed to decrypt BYBIT_API_SECRET_ENC")
		}
		apiSecret = decrypted
	}
	if apiKey == "" || apiSecret == "" {
		logger.Fatal("Live trading needs BYBIT_API_KEY/BYBIT_API_SECRET (or their _ENC forms)")
	}

	return broker.NewBybit(apiKey, apiSecret, cfg.BaseURL, cfg.RecvWindowMS)
}

func buildNotifier(cfg notify.Config) notify.Notifier {
	if cfg.TelegramBotToken == "" || cfg.TelegramChatID == "" {
		logger.Info("[main] Telegram not configured, notifications go to the log")
		return notify.Log{}
	}
	return notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.TelegramBaseURL)
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
