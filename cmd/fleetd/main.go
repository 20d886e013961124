package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mkrh/fleetd/internal/api"
	"github.com/mkrh/fleetd/internal/config"
	"github.com/mkrh/fleetd/internal/events"
	"github.com/mkrh/fleetd/internal/notify"
	"github.com/mkrh/fleetd/internal/orchestrator"
	"github.com/mkrh/fleetd/internal/pool"
	"github.com/mkrh/fleetd/internal/queue"
	"github.com/mkrh/fleetd/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting fleetd...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	var (
		cfg *config.Config
		err error
	)
	if cfgPath == "" {
		cfg = config.Default()
		logger.Info("No CONFIG_PATH set, using defaults")
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
		}
		logger.Info("Config loaded", zap.String("path", cfgPath))
	}

	// In-process event bus; every core component publishes here.
	bus := events.NewBus(cfg.Queue.EventBuffer, logger)

	// Optional Redis forwarder for external observers.
	var redisBus *events.RedisBus
	if cfg.Database.Redis.URL != "" {
		rb, rbErr := events.NewRedisBus(cfg.Database.Redis.URL, logger)
		if rbErr != nil {
			logger.Warn("Redis unavailable, events stay in-process", zap.Error(rbErr))
		} else {
			redisBus = rb
			go func() {
				for ev := range bus.Subscribe() {
					if pubErr := rb.Publish(context.Background(), ev); pubErr != nil {
						logger.Debug("redis event forward failed", zap.Error(pubErr))
					}
				}
			}()
		}
	}

	// Optional task archive.
	var archive *store.Store
	if cfg.Database.Postgres.DSN != "" {
		st, stErr := store.New(cfg.Database.Postgres.DSN, logger)
		if stErr != nil {
			logger.Warn("PostgreSQL unavailable, running without task archive", zap.Error(stErr))
		} else {
			if mErr := st.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			archive = st
		}
	}

	// Build the queue and pool.
	q := queue.New(bus, logger)
	q.SetDefaults(cfg.Queue.MaxRetries, time.Duration(cfg.Queue.TimeoutSeconds)*time.Second)
	if archive != nil {
		q.SetArchive(archive)
	}

	p := pool.New(pool.Config{
		MinWorkers:           cfg.Pool.MinWorkers,
		MaxWorkers:           cfg.Pool.MaxWorkers,
		TargetQueuePerWorker: cfg.Pool.TargetQueuePerWorker,
		LowUtilization:       cfg.Pool.LowUtilization,
	}, pool.NopProvisioner{}, bus, logger)

	orchCfg := orchestrator.Config{
		HealthCheckInterval: time.Duration(cfg.Loops.HealthCheckSeconds) * time.Second,
		ScalingInterval:     time.Duration(cfg.Loops.ScalingSeconds) * time.Second,
		CleanupInterval:     time.Duration(cfg.Loops.CleanupSeconds) * time.Second,
		StaleAfter:          time.Duration(cfg.Pool.StaleAfterSeconds) * time.Second,
		RetentionAge:        time.Duration(cfg.Queue.RetentionHours) * time.Hour,
		WorkerType:          cfg.Pool.WorkerType,
	}
	orch := orchestrator.New(q, p, orchCfg, bus, logger)

	// Operator alerting on failures and escalations.
	notifier := notify.New(logger)
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		notifier.Register(notify.NewSlackAdapter(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		da, daErr := notify.NewDiscordAdapter(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if daErr != nil {
			logger.Warn("Discord adapter unavailable", zap.Error(daErr))
		} else {
			notifier.Register(da)
		}
	}
	notifyCtx, notifyCancel := context.WithCancel(context.Background())
	go notifier.Run(notifyCtx, bus.Subscribe())

	orch.Start()

	// Start server
	handler := api.NewHandler(orch, archive, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("fleetd listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down fleetd...")
	orch.Stop()
	srv.Shutdown(context.Background())
	notifyCancel()
	bus.Close()
	if redisBus != nil {
		redisBus.Close()
	}
	if archive != nil {
		archive.Close()
	}
}
