package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/mxsbot/api"
	"github.com/web3guy0/mxsbot/bot"
	"github.com/web3guy0/mxsbot/core"
	"github.com/web3guy0/mxsbot/exec"
	"github.com/web3guy0/mxsbot/execution"
	"github.com/web3guy0/mxsbot/feeds"
	"github.com/web3guy0/mxsbot/internal/config"
	"github.com/web3guy0/mxsbot/internal/logging"
	"github.com/web3guy0/mxsbot/risk"
	"github.com/web3guy0/mxsbot/storage"
	"github.com/web3guy0/mxsbot/strategy"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logFile, err := logging.Setup(logging.Options{
		Level:      cfg.LogLevel,
		Debug:      cfg.Debug,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logFile.Close()

	mode := "LIVE TRADING"
	if cfg.DryRun {
		mode = "PAPER TRADING"
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              MXS BOT - TWO-TIMEFRAME BREAKOUT")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Exchange client (oracle + order gateway + balance)
	client, err := exec.NewClient(exec.Config{
		BaseURL:      cfg.BlofinBaseURL,
		PublicURL:    cfg.BlofinPublicURL,
		APIKey:       cfg.BlofinAPIKey,
		APISecret:    cfg.BlofinAPISecret,
		Passphrase:   cfg.BlofinPassphrase,
		MarginMode:   cfg.MarginMode,
		DryRun:       cfg.DryRun,
		PaperBalance: cfg.PaperBalance,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize exchange client")
	}
	log.Info().Msg("✅ Exchange client initialized")

	// 2. Ticker feed (websocket cache, REST fallback)
	tickers := feeds.NewTickerFeed(cfg.BlofinWSURL, []string{cfg.Instrument}, client)
	tickers.Start()
	if client.IsDryRun() {
		go markPaper(ctx, tickers.Subscribe(), client)
	}
	log.Info().Msg("✅ Ticker feed initialized")

	// 3. Storage
	var (
		store   storage.StateStore
		journal storage.Journal
		db      *storage.Database
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.NewDatabase(cfg.DatabaseURL)
		if err != nil {
			if cfg.StateBackend == "db" {
				log.Fatal().Err(err).Msg("Database connection failed")
			}
			log.Warn().Err(err).Msg("Database connection failed, journaling to file")
		} else {
			journal = db
		}
	}
	if cfg.StateBackend == "db" {
		store = db
	} else {
		fs, err := storage.NewFileStore(cfg.StateFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open state file")
		}
		store = fs
	}
	var jsonl *storage.JSONLJournal
	if journal == nil {
		jsonl, err = storage.NewJSONLJournal(cfg.JournalFile)
		if err != nil {
			log.Warn().Err(err).Msg("Trade journal unavailable")
		} else {
			journal = jsonl
		}
	}
	log.Info().Str("backend", cfg.StateBackend).Msg("✅ Storage layer initialized")

	// 4. Risk
	sizing, err := cfg.Sizing()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid sizing policy")
	}
	breaker := risk.NewCircuitBreaker(cfg.MaxOrderFailures, cfg.FailureCooldown)
	log.Info().Str("sizing", string(sizing.Kind)).Msg("✅ Risk layer initialized")

	// 5. Decision + execution
	decider := core.NewDecider(core.DecisionConfig{
		Instrument:           cfg.Instrument,
		StopBufferPct:        cfg.StopBufferPct,
		MaxStopPct:           cfg.MaxStopPct,
		Sizing:               sizing,
		ExitOnLowerOpposite:  cfg.ExitOnLowerOpposite,
		MonitorFlip:          cfg.MonitorFlip,
		BreakoutTolerancePct: cfg.BreakoutTolerancePct,
		CallTimeout:          cfg.CallTimeout,
	}, client, client, tickers)

	executor := execution.NewExecutor(execution.DefaultExecutorConfig(cfg.Instrument, cfg.Leverage), client, journal, tickers)

	engine := core.NewEngine(core.EngineConfig{
		Instrument:  cfg.Instrument,
		ExecTimeout: cfg.ExecTimeout,
	}, decider, executor, store, breaker)

	if err := engine.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load trend state")
	}
	if err := engine.Reconcile(ctx, execution.NewReconciler(client)); err != nil {
		log.Error().Err(err).Msg("⚠️ Startup reconciliation failed, cached position kept")
	}
	log.Info().Msg("✅ Core engine initialized")

	// 6. Telegram (optional)
	var tg *bot.TelegramBot
	if cfg.TelegramToken != "" {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine, journal)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			engine.AddNotifier(tg)
			tg.Start()
			tg.NotifyStartup(cfg.Instrument, mode)
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// PRINT CONFIG
	// ═══════════════════════════════════════════════════════════════════════════════

	maxStop := "uncapped"
	if cfg.MaxStopPct.Valid {
		maxStop = cfg.MaxStopPct.Decimal.String()
	}
	log.Info().
		Str("mode", mode).
		Str("instrument", cfg.Instrument).
		Str("higher", cfg.HigherTimeframe).
		Str("lower", cfg.LowerTimeframe).
		Str("leverage", cfg.Leverage.String()).
		Str("buffer", cfg.StopBufferPct.String()).
		Str("max_stop", maxStop).
		Bool("exit_on_lower_opposite", cfg.ExitOnLowerOpposite).
		Dur("monitor", cfg.MonitorInterval).
		Msg("🎯 Configuration")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	monitor := core.NewMonitor(engine, cfg.MonitorInterval)
	go monitor.Run(ctx)

	classifier := strategy.NewClassifier(cfg.HigherTimeframe, cfg.LowerTimeframe, strategy.Timeframe(cfg.DefaultTimeframe))
	server := api.NewServer(cfg.ListenAddr, engine, classifier, journal, cfg.WebhookSecret)

	log.Info().Msg("🚀 All systems running...")

	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("API server stopped")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	log.Info().Msg("🛑 Shutting down...")
	cancel()
	tickers.Stop()
	if tg != nil {
		tg.Stop()
	}
	if jsonl != nil {
		jsonl.Close()
	}
	if db != nil {
		db.Close()
	}

	log.Info().Msg("👋 Goodbye!")
}

// markPaper drives simulated stop triggers from live ticks
func markPaper(ctx context.Context, ticks <-chan feeds.Tick, client *exec.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticks:
			at := t.Timestamp
			if at.IsZero() {
				at = time.Now()
			}
			client.MarkPrice(t.Instrument, t.Last, at)
		}
	}
}

