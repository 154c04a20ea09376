package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/config"
	"alpaca-trading-engine/internal/api"
	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/cache"
	"alpaca-trading-engine/internal/circuit"
	"alpaca-trading-engine/internal/database"
	"alpaca-trading-engine/internal/engine"
	"alpaca-trading-engine/internal/events"
	"alpaca-trading-engine/internal/features"
	"alpaca-trading-engine/internal/logging"
	"alpaca-trading-engine/internal/metrics"
	"alpaca-trading-engine/internal/notification"
	"alpaca-trading-engine/internal/orders"
	"alpaca-trading-engine/internal/position"
	"alpaca-trading-engine/internal/protection"
	"alpaca-trading-engine/internal/sentiment"
	"alpaca-trading-engine/internal/strategy"
	"alpaca-trading-engine/internal/vault"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "gen-config" {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			fallback := zerolog.New(os.Stderr)
			fallback.Fatal().Err(err).Msg("Sample config generation failed")
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Config load failed")
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Logger setup failed")
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info().Bool("paper", cfg.Broker.Paper).Msg("Starting trading engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus()

	// Broker credentials: environment first, Vault when enabled.
	if cfg.Vault.Enabled {
		vc, err := vault.NewClient(cfg.Vault, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Vault client init failed")
		}
		creds, err := vc.BrokerCredentials(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Vault credential fetch failed")
		}
		cfg.Broker.APIKey = creds.APIKey
		cfg.Broker.APISecret = creds.APISecret
	}

	var rawBroker broker.Broker
	if cfg.Broker.MockMode {
		logger.Warn().Msg("Broker mock mode active, no live orders")
		rawBroker = broker.NewMockBroker()
	} else {
		rawBroker = broker.NewAlpacaBroker(broker.AlpacaConfig{
			APIKey:         cfg.Broker.APIKey,
			APISecret:      cfg.Broker.APISecret,
			BaseURL:        cfg.Broker.BaseURL,
			RequestTimeout: seconds(cfg.Broker.TimeoutSec),
		}, logger)
	}

	breakers := circuit.NewBreakerSet(circuit.BreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  seconds(cfg.Circuit.RecoverySec),
	}, bus, logger)
	b := circuit.WrapBroker(rawBroker, breakers)
	recovery := circuit.NewRecoveryManager(circuit.RecoveryConfig{
		ValidationInterval: seconds(cfg.Circuit.ValidationSec),
	}, breakers, bus, logger)

	var cacheSvc *cache.Service
	if cfg.Redis.Enabled {
		cacheSvc = cache.New(cache.Config{
			Enabled:  true,
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		defer cacheSvc.Close()
	}

	var store *database.Store
	var journal *database.AsyncJournal
	if cfg.Database.Enabled {
		db, err := database.NewDB(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Database connect failed")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Migrations failed")
		}
		store = database.NewStore(db)
		journal = database.NewAsyncJournal(store, logger)
		defer journal.Close()
	}

	tracker := position.NewTracker(logger)
	detector := orders.NewFillDetector(b, orders.FillDetectorConfig{
		PollStart:       millis(cfg.FillDetect.PollStartMS),
		PollStep:        millis(cfg.FillDetect.PollStepMS),
		PollCap:         millis(cfg.FillDetect.PollCapMS),
		DefaultDeadline: seconds(cfg.FillDetect.DeadlineSec),
		TransientCap:    seconds(cfg.FillDetect.TransientSec),
	}, bus, logger)
	sequencer := orders.NewSequencer(b, detector, orders.SequencerConfig{
		CancelTimeout: seconds(cfg.Sequencer.CancelTimeoutSec),
		FillWait:      seconds(cfg.Sequencer.FillWaitSec),
		MaxRetries:    cfg.Sequencer.MaxRetries,
		RetryInitial:  millis(cfg.Sequencer.RetryInitialMS),
	}, bus, logger)
	queue := orders.NewOfflineQueue(cfg.Queue.Capacity, logger)

	featureEngine := features.NewEngine(b, features.DefaultConfig(), logger)
	sentimentProvider := sentiment.NewCachedProvider(b, cacheSvc, sentiment.DefaultConfig(), logger)
	go sentimentProvider.Run(ctx)

	protCfg := protection.DefaultConfig()
	protCfg.TickInterval = millis(cfg.Engine.TickIntervalMS)
	protCfg.Schedule = buildSchedule(cfg.Protection)
	protCfg.ADXExitThreshold = cfg.Protection.ADXExitThreshold
	protCfg.ExitSignalsEnabled = cfg.Protection.ExitSignalsEnabled
	protCfg.OrphanCheckEvery = cfg.Protection.OrphanCheckEvery
	protCfg.ClockCheckEvery = cfg.Protection.ClockCheckEvery
	protCfg.SyncFallbackStopPct = cfg.Protection.SyncFallbackStopPct
	var protJournal protection.Journal
	if journal != nil {
		protJournal = journal
	}
	protect := protection.NewManager(tracker, sequencer, b, featureEngine, queue, protJournal, bus, protCfg, logger)

	observer := strategy.NewShadowObserver(nil, cfg.Strategy.ObserverOmega, millis(cfg.Strategy.ObserverBudgetMS), logger)
	stratCfg := strategy.DefaultConfig()
	stratCfg.Timezone = cfg.Strategy.Timezone
	stratCfg.EntryFillWait = seconds(cfg.Strategy.EntryFillWaitSec)
	stratCfg.Threshold.BuyBase = cfg.Strategy.BuyThreshold
	stratCfg.Threshold.SellBase = cfg.Strategy.SellThreshold
	stratCfg.Threshold.ShortCap = cfg.Strategy.ShortCap
	stratCfg.Filter.Cooldown = seconds(cfg.Strategy.CooldownSec)
	stratCfg.Filter.RRFloor = cfg.Strategy.RRFloor
	stratCfg.Sizing.RiskBasePct = cfg.Strategy.RiskBasePct
	stratCfg.Sizing.MaxRiskPct = cfg.Strategy.MaxRiskPct
	stratCfg.Sizing.MaxPositionPct = cfg.Strategy.MaxPositionPct
	stratCfg.Sizing.SlippagePct = cfg.Strategy.SlippagePct
	stratCfg.Sizing.KStop = cfg.Strategy.KStop
	stratCfg.Sizing.KTarget = cfg.Strategy.KTarget
	evaluator, err := strategy.NewEvaluator(b, featureEngine, sentimentProvider, tracker, sequencer, detector, observer, cacheSvc, bus, stratCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Evaluator init failed")
	}

	m := metrics.New(logger)

	eng := engine.New(engine.Deps{
		Broker:     b,
		Tracker:    tracker,
		Sequencer:  sequencer,
		Queue:      queue,
		Protection: protect,
		Evaluator:  evaluator,
		Breakers:   breakers,
		Recovery:   recovery,
		Store:      store,
		Journal:    journal,
		Cache:      cacheSvc,
		Metrics:    m,
		Bus:        bus,
	}, engine.Config{
		Watchlist:         cfg.Engine.Watchlist,
		EvalInterval:      seconds(cfg.Engine.EvalIntervalSec),
		SnapshotInterval:  seconds(cfg.Engine.SnapshotSec),
		FlattenOnShutdown: cfg.Engine.FlattenOnShutdown,
		StartEnabled:      cfg.Engine.StartEnabled,
	}, logger)

	if cfg.Notification.Enabled {
		sinks := []notification.Sink{notification.NewLogSink(logger)}
		if cfg.Notification.WebhookURL != "" {
			sinks = append(sinks, notification.NewWebhookSink(
				cfg.Notification.WebhookURL,
				seconds(cfg.Notification.TimeoutSec),
				uint64(cfg.Notification.WebhookRetry),
			))
		}
		notification.NewManager(logger, sinks...).Attach(ctx, bus)
	}

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Engine start failed")
	}

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(api.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			Auth: api.AuthConfig{
				Enabled:      cfg.Server.AuthEnabled,
				Secret:       cfg.Server.JWTSecret,
				Operator:     cfg.Server.Operator,
				PasswordHash: cfg.Server.OperatorHash,
				TokenTTL:     time.Duration(cfg.Server.TokenTTLHours) * time.Hour,
			},
		}, eng, b, store, m, bus, logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("API server stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API shutdown error")
		}
	}
	if err := eng.Stop(shutdownCtx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("Engine stop error")
	}
	logger.Info().Msg("Shutdown complete")
}

func buildSchedule(cfg config.ProtectionConfig) protection.Schedule {
	if len(cfg.ScheduleR) == 0 {
		return protection.DefaultSchedule()
	}
	schedule := make(protection.Schedule, 0, len(cfg.ScheduleR))
	for i, r := range cfg.ScheduleR {
		schedule = append(schedule, protection.Milestone{
			RMultiple: r,
			Fraction:  cfg.ScheduleFractions[i],
		})
	}
	return schedule
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
