package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"portal-mailbox/internal/api"
	"portal-mailbox/internal/bus"
	"portal-mailbox/internal/common/aws"
	"portal-mailbox/internal/common/camunda"
	"portal-mailbox/internal/common/config"
	"portal-mailbox/internal/common/database"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/common/observability"
	"portal-mailbox/internal/identity"
	"portal-mailbox/internal/live"
	"portal-mailbox/internal/mailbox"
	"portal-mailbox/internal/messaging"
	"portal-mailbox/internal/notify"
	"portal-mailbox/internal/storage/pgstore"
	"portal-mailbox/internal/storage/redisstore"
	dn "portal-mailbox/internal/workers/notification/dispatch-notification"
)

// store is what both the mailbox and the conversation side need from a backend.
type store interface {
	mailbox.Store
	messaging.Store
}

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting mailbox service",
		zap.String("version", cfg.App.Version),
		zap.String("backend", cfg.Storage.Backend),
	)

	obs, err := observability.New(cfg.App.Name)
	if err != nil {
		zapLog.Warn("metrics exporter unavailable", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.CheckFunc{}

	// --- Redis (store and/or bus) ---
	var rdb *database.RedisClient
	if cfg.Database.Redis.Address != "" {
		err = retryWithBackoff(func() error {
			var err error
			rdb, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return rdb.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer rdb.Close()
		checks["redis"] = rdb.Ping
		zapLog.Info("Redis connected successfully")
	}

	// --- Storage backend ---
	var st store
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		var pg *database.PostgresClient
		err = retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			zapLog.Fatal("postgres failed after retries", zap.Error(err))
		}
		defer pg.Close()
		checks["postgres"] = pg.Ping

		if cfg.Database.Postgres.AutoMigrate {
			applied, err := database.Migrate(ctx, pg.GetDB())
			if err != nil {
				zapLog.Fatal("migrations failed", zap.Error(err))
			}
			zapLog.Info("Migrations applied", zap.Int("count", applied))
		}
		st = pgstore.New(pg.GetDB())
	default:
		st = redisstore.New(rdb.GetClient(), cfg.Database.Redis.KeyPrefix,
			redisstore.WithIdempotencyTTL(time.Duration(cfg.Notifications.IdempotencyTTL)*time.Second))
	}

	// --- Subscription bus ---
	var changes bus.Bus
	if rdb != nil {
		redisBus := bus.NewRedisBus(rdb.GetClient(), cfg.Database.Redis.KeyPrefix, log)
		if err := redisBus.Start(ctx); err != nil {
			zapLog.Fatal("bus subscribe failed", zap.Error(err))
		}
		defer redisBus.Close()
		changes = redisBus
	} else {
		zapLog.Warn("No Redis configured; live updates stay within this instance")
		changes = bus.NewHub()
	}

	publisher := bus.MultiPublisher{changes}
	if sns := cfg.Integrations.AWS.SNS; sns.Enabled {
		client, err := aws.NewSNSClient(ctx, cfg.Integrations.AWS.Region)
		if err != nil {
			zapLog.Fatal("sns client failed", zap.Error(err))
		}
		publisher = append(publisher, aws.NewSNSForwarder(client, sns.TopicARN, log))
		zapLog.Info("Forwarding change events to SNS", zap.String("topic", sns.TopicARN))
	}

	// --- Identity ---
	directory, err := identity.NewFromConfig(cfg, log)
	if err != nil {
		zapLog.Fatal("identity provider failed", zap.Error(err))
	}

	// --- Core ---
	mb := mailbox.New(st, publisher, log,
		mailbox.WithPaging(cfg.Notifications.DefaultPageSize, cfg.Notifications.MaxPageSize))
	dispatcher := notify.NewDispatcher(mb, directory, log,
		notify.WithConcurrency(cfg.Notifications.FanoutConcurrency),
		notify.WithWriteTimeout(config.GetDuration(cfg.Notifications.WriteTimeout)),
		notify.WithObservability(obs),
	)
	registry := messaging.NewRegistry(st, publisher, log)

	threadOpts := []messaging.ThreadOption{
		messaging.WithObservability(obs),
		messaging.WithLimits(cfg.Messaging.MaxTextLength, cfg.Messaging.PreviewLength),
		messaging.WithWriteTimeout(config.GetDuration(cfg.Messaging.WriteTimeout)),
	}
	if cfg.Messaging.NotifyReceiver {
		threadOpts = append(threadOpts,
			messaging.WithNotifier(notify.NewNotifier(dispatcher)),
			messaging.WithUserLookup(directory),
		)
	}
	thread := messaging.NewThread(registry, threadOpts...)

	// --- Zeebe worker ---
	var jobWorker *camunda.Worker
	if cfg.Camunda.Enabled {
		var zc *camunda.Client
		err = retryWithBackoff(func() error {
			var err error
			zc, err = camunda.NewClient(ctx, cfg.Camunda)
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zc.Close()
		checks["camunda"] = zc.HealthCheck

		handler := dn.NewHandler(dn.LoadConfig(cfg), dispatcher, obs, log)
		jobWorker = camunda.StartWorker(zc.GetClient(), dn.TaskType, config.GetWorkerConfig(cfg, dn.TaskType), handler, log)
	}

	// --- HTTP ---
	server := api.NewServer(cfg, api.Deps{
		Mailbox:    mb,
		Registry:   registry,
		Thread:     thread,
		Dispatcher: dispatcher,
		Live:       live.New(changes, mb, registry, thread, log),
		Checks:     checks,
	}, log)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: config.GetDuration(cfg.HTTP.ReadTimeout),
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.Int("port", cfg.HTTP.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.HTTP.ShutdownTimeout))
	defer cancel()

	jobWorker.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Observability shutdown failed", zap.Error(err))
	}
	zapLog.Info("Mailbox service stopped")
}
