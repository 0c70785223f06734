package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"investor-ledger/config"
	"investor-ledger/internal/api"
	"investor-ledger/internal/billing"
	"investor-ledger/internal/cache"
	"investor-ledger/internal/database"
	"investor-ledger/internal/email"
	"investor-ledger/internal/events"
	"investor-ledger/internal/ledger"
	"investor-ledger/internal/logging"
	"investor-ledger/internal/notification"
	"investor-ledger/internal/performance"
	"investor-ledger/internal/recalc"
	"investor-ledger/internal/settlement"
	"investor-ledger/internal/transactions"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "investor-ledger",
	})
	logger.Info().Msg("Structured logging initialized")

	loc := cfg.LedgerConfig.Location()
	clock := ledger.SystemClock{}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.NewDB(ctx, database.Config{
		URL:      cfg.DatabaseConfig.URL,
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		Schema:   cfg.DatabaseConfig.Schema,
		MaxConns: int32(cfg.DatabaseConfig.MaxConns),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run database migrations
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	store := database.NewPostgresStore(db, loc)

	// Initialize event bus
	eventBus := events.NewEventBus()
	logger.Info().Msg("Event bus initialized")

	// Initialize notification manager
	var notifyManager *notification.Manager
	if cfg.NotificationConfig.Enabled {
		notifyManager = notification.NewManager(cfg.LedgerConfig.Currency)

		smtpCfg := email.SMTPConfig{
			Host:     cfg.NotificationConfig.SMTP.Host,
			Port:     strconv.Itoa(cfg.NotificationConfig.SMTP.Port),
			Username: cfg.NotificationConfig.SMTP.Username,
			Password: cfg.NotificationConfig.SMTP.Password,
			From:     cfg.NotificationConfig.SMTP.From,
			FromName: cfg.NotificationConfig.SMTP.FromName,
		}
		if smtpCfg.Configured() {
			notifyManager.AddNotifier(email.NewService(smtpCfg, logger))
			logger.Info().Str("host", smtpCfg.Host).Msg("Email notifications enabled")
		}

		if cfg.NotificationConfig.Webhook.Enabled {
			notifyManager.AddNotifier(notification.NewWebhookNotifier(notification.WebhookConfig{
				URL:     cfg.NotificationConfig.Webhook.URL,
				Enabled: cfg.NotificationConfig.Webhook.Enabled,
			}))
			logger.Info().Msg("Webhook notifications enabled")
		}
	}

	// Ledger engines
	recalcEngine := recalc.NewEngine(clock, logger)

	feeEngine := billing.NewEngine(store, recalcEngine, clock, billing.Config{Location: loc}, logger)
	feeEngine.SetEventBus(eventBus)

	processor := transactions.NewProcessor(store, recalcEngine, feeEngine, clock, transactions.Config{
		Location:     loc,
		DateOnlyHour: cfg.LedgerConfig.DateOnlyHour,
	}, logger)
	processor.SetEventBus(eventBus)

	if notifyManager != nil {
		feeEngine.SetNotifier(notifyManager)
		processor.SetNotifier(notifyManager)
	}

	dailyCfg := settlement.DefaultConfig()
	dailyCfg.Location = loc
	dailyCfg.MovementHour = cfg.LedgerConfig.MovementHour
	applicator := settlement.NewApplicator(store, recalcEngine, clock, dailyCfg, logger)
	applicator.SetEventBus(eventBus)

	// TWR queries with optional redis result cache
	perf := performance.NewService(store, performance.Config{
		CacheTTL: time.Duration(cfg.LedgerConfig.CacheTTLSeconds) * time.Second,
	}, logger)
	var cacheService *cache.CacheService
	var cacheStatus api.CacheStatus
	if cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis cache unavailable, TWR results will not be cached")
		} else {
			perf.SetCache(cacheService)
			perf.InvalidateOn(eventBus)
			cacheStatus = cacheService
		}
	}

	// Periodic trading fee job
	var feeScheduler *billing.Scheduler
	if cfg.SchedulerConfig.Enabled {
		feeScheduler = billing.NewScheduler(feeEngine, store, billing.SchedulerConfig{
			Spec:      cfg.SchedulerConfig.Spec,
			Location:  loc,
			AppliedBy: cfg.SchedulerConfig.AppliedBy,
		}, logger)
		if err := feeScheduler.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start fee scheduler")
		}
	}

	logEventsTo(eventBus, logger)

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		ProductionMode: os.Getenv("GIN_MODE") == "release",
		AllowedOrigins: splitOrigins(cfg.ServerConfig.AllowedOrigins),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		Location:       loc,
	}, api.Services{
		Store:        store,
		Recalc:       recalcEngine,
		Transactions: processor,
		Fees:         feeEngine,
		Daily:        applicator,
		Performance:  perf,
		Scheduler:    feeScheduler,
		Health:       db.HealthCheck,
		Cache:        cacheStatus,
	}, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("Web server error")
			stop()
		}
	}()

	logger.Info().
		Int("port", cfg.ServerConfig.Port).
		Str("timezone", loc.String()).
		Bool("fee_scheduler", feeScheduler != nil).
		Msg("Investor ledger started")

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down web server")
	}
	if feeScheduler != nil {
		feeScheduler.Stop()
	}
	processor.WaitNotifications()
	feeEngine.WaitNotifications()
	if cacheService != nil {
		if err := cacheService.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing redis client")
		}
	}

	logger.Info().Msg("Shutdown complete")
}

// logEventsTo writes every published domain event to the log.
func logEventsTo(bus *events.EventBus, logger zerolog.Logger) {
	logger = logger.With().Str("component", "events").Logger()
	bus.SubscribeAll(func(e events.Event) {
		logger.Debug().
			Str("type", string(e.Type)).
			Interface("data", e.Data).
			Msg("Ledger event published")
	})
}

func splitOrigins(v string) []string {
	var origins []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
