package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"gridbot/api"
	"gridbot/config"
	"gridbot/grid"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/notify"
	"gridbot/store"
	"gridbot/trader/paper"
)

func main() {
	// Load .env before anything reads the environment
	_ = godotenv.Load()

	config.Init()
	cfg := config.Get()

	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON}); err != nil {
		logger.Fatalf("❌ Failed to initialize logger: %v", err)
	}

	logger.Info(strings.Repeat("=", 60))
	logger.Info("📈 Recursive grid trading engine")
	logger.Info(strings.Repeat("=", 60))

	gridCfg, err := config.LoadGridConfig(cfg.GridConfigFile)
	if err != nil {
		logger.Fatalf("❌ Invalid grid configuration: %v", err)
	}
	logger.Infof("📋 Strategy: %s, %d levels, spacing %s, exposure limit %s",
		gridCfg.Symbol, gridCfg.GridLevels, gridCfg.GridSpacingPct, gridCfg.WalletExposureLimitPct)

	logger.Infof("📋 Opening trade journal: %s", cfg.DBPath)
	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("❌ Failed to open database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := paper.New(cfg.PaperCapital)
	logger.Infof("🧪 Paper broker funded with %s", cfg.PaperCapital)

	deps := grid.Deps{
		Client:  broker,
		Poller:  broker,
		Journal: st.Grid(),
	}

	if cfg.StreamURL != "" {
		stream := market.NewStreamingFeed(market.StreamConfig{URL: cfg.StreamURL})
		// live ticks drive the simulated market
		stream.Subscribe(market.TickTopic(gridCfg.Symbol), broker.OnTick)
		deps.Stream = stream
	} else {
		broker.StartRandomWalk(ctx, gridCfg.Symbol, cfg.PaperStartPrice, cfg.PaperWalkInterval, cfg.PaperVolatility)
	}
	if cfg.EnablePollFallback || cfg.StreamURL == "" {
		deps.Poll = market.NewPollingFeed(broker, market.PollConfig{
			Symbol:   gridCfg.Symbol,
			Interval: cfg.PollInterval,
			Timeout:  cfg.CallTimeout,
		})
	}

	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			logger.Warnf("⚠️  Telegram notifications disabled: %v", err)
		} else {
			deps.Notifier = tg
			logger.Info("📨 Telegram notifications enabled")
		}
	}

	orch := grid.New(gridCfg, deps, grid.Options{
		Interval:     cfg.LoopInterval,
		ErrorBackoff: cfg.ErrorBackoff,
		StaleAfter:   cfg.StaleAfter,
		CallTimeout:  cfg.CallTimeout,
		OrderPacing:  cfg.OrderPacing,
	})
	if err := orch.Initialize(ctx); err != nil {
		logger.Fatalf("❌ Failed to initialize grid: %v", err)
	}

	if cfg.InsecureJWTSecret() {
		logger.Warnf("⚠️  JWT_SECRET is not set; API tokens are signed with the built-in default secret")
	}
	apiServer := api.NewServer(orch, st.Grid(), cfg.JWTSecret, cfg.APIServerPort)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Errorf("❌ API server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()
	logger.Info("Press Ctrl+C to stop")

	select {
	case <-sigChan:
		logger.Info("📛 Received shutdown signal, stopping grid...")
		orch.Stop()
		<-done
	case err := <-done:
		if err != nil {
			logger.Errorf("❌ Control loop exited: %v", err)
		}
	}

	logger.Info("🛑 Stopping API server...")
	if err := apiServer.Shutdown(); err != nil {
		logger.Warnf("⚠️  Error shutting down API server: %v", err)
	}

	logger.Info("💾 Closing database...")
	if err := st.Close(); err != nil {
		logger.Errorf("❌ Failed to close database: %v", err)
	}
	logger.Info("👋 Bye")
}
