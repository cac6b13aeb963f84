package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"perpbot-go/internal/closer"
	"perpbot-go/internal/config"
	"perpbot-go/internal/engine"
	"perpbot-go/internal/exchange"
	"perpbot-go/internal/ledger"
	"perpbot-go/internal/marketdata"
	"perpbot-go/internal/metrics"
	"perpbot-go/internal/news"
	"perpbot-go/internal/recorder"
	"perpbot-go/internal/scanner"
	"perpbot-go/internal/scheduler"
	"perpbot-go/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot := util.NewLogger("perpbot", "info")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.Name, cfg.App.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data directory")
	}
	db, err := ledger.OpenDB(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	store, err := ledger.NewSQLiteStore(db, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("init ledger store")
	}
	led := ledger.New(store, ledger.Limits{
		Capital:          decimal.NewFromFloat(cfg.Trading.Capital),
		MaxOpenTrades:    cfg.Trading.MaxOpenTrades,
		MaxPortfolioRisk: decimal.NewFromFloat(cfg.Trading.MaxPortfolioRisk),
		DailyLossLimit:   decimal.NewFromFloat(cfg.Trading.DailyLossLimit),
	}, log)

	rec, err := recorder.NewSQLiteRecorder(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init recorder")
	}

	rest := exchange.NewRESTClient(
		cfg.Exchange.BaseURL,
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		cfg.Exchange.RequestsPerMin,
		time.Duration(cfg.Exchange.RequestTimeoutMS)*time.Millisecond,
		log,
	)
	var client exchange.Client = rest
	if !cfg.Exchange.LiveMode {
		client = exchange.NewPaper(rest, cfg.Exchange.PaperSlippageBps, log)
		log.Warn().Msg("paper mode: orders are simulated")
	}

	gateway := marketdata.NewGateway(client, log)
	if cfg.Exchange.StreamEnabled {
		stream := exchange.NewMarkPriceStream(cfg.Exchange.StreamURL, gateway.ApplyMark, log)
		go func() {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("mark price stream stopped")
			}
		}()
	}

	calendar, err := news.NewCalendar(cfg.News, log)
	if err != nil {
		log.Fatal().Err(err).Msg("parse news windows")
	}

	scan := scanner.New(gateway, rec, cfg.Trading, cfg.Sessions, log)
	eng := engine.New(led, client, rec, calendar, cfg.Trading, log)
	closeWorker := closer.New(led, gateway, client, rec, calendar, cfg.Trading, log)

	// Sweep orphaned reservations and ghosts left by a previous run before
	// trading resumes.
	if err := eng.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed")
	}

	sched := scheduler.New(ctx, log)
	err = sched.Register(cfg.Schedule,
		func(ctx context.Context) {
			if err := led.DailyRollover(ctx, time.Now()); err != nil {
				log.Warn().Err(err).Msg("daily rollover check failed")
			}
			slots, err := led.AvailableSlots(ctx)
			if err != nil {
				log.Error().Err(err).Msg("slot count unavailable, tick skipped")
				return
			}
			candidates, err := scan.Scan(ctx, slots)
			if err != nil {
				log.Error().Err(err).Msg("scan failed")
				return
			}
			eng.ProcessTick(ctx, candidates)
		},
		func(ctx context.Context) {
			if err := closeWorker.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("closer tick aborted")
			}
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("register schedule")
	}

	sched.Start()
	log.Info().Float64("capital", cfg.Trading.Capital).Int("max_open_trades", cfg.Trading.MaxOpenTrades).
		Bool("live", cfg.Exchange.LiveMode).Msg("trading engine started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	sched.Stop()
}
