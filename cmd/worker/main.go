package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/backoffice/internal/app"
	"github.com/odyssey-erp/backoffice/internal/closing"
	"github.com/odyssey-erp/backoffice/internal/inventory"
	jobmetrics "github.com/odyssey-erp/backoffice/internal/jobs"
	"github.com/odyssey-erp/backoffice/internal/observability"
	"github.com/odyssey-erp/backoffice/internal/platform/cache"
	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/platform/storage"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(cfg.PGMaxConns))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	taskMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	txm := db.NewTxManager(pool)
	audit := shared.NewAuditTrail(shared.NewAuditLogger(pool), logger)

	inventoryService := inventory.NewService(inventory.NewRepository(txm), audit, storage.NewLocal(cfg.StorageDir), metrics, logger, inventory.ServiceConfig{
		ExpiryHorizon: cfg.StockExpiryHorizon,
	})
	closingService := closing.NewService(closing.NewRepository(txm), closing.NewRedisLocker(redisClient, logger), logger, closing.Config{
		Concurrency: cfg.ClosingConcurrency,
		LockTTL:     cfg.ClosingLockTTL,
	})

	periodClose := jobs.NewPeriodCloseJob(closingService, logger, taskMetrics)
	expiryAlert := jobs.NewExpiryAlertJob(jobs.ExpiryAlertConfig{
		Source:    inventoryService,
		Notifier:  jobs.NewMailNotifier(jobClient),
		Recipient: cfg.ExpiryAlertTo,
		Logger:    logger,
		Metrics:   taskMetrics,
	})
	cleanup := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, taskMetrics)
	mailer := jobs.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, logger)

	closeTask, err := jobs.NewPeriodCloseTask(jobs.PeriodClosePayload{})
	if err != nil {
		logger.Error("build period close task", slog.Any("error", err))
		os.Exit(1)
	}
	expiryTask, err := jobs.NewExpiryAlertTask(jobs.ExpiryAlertPayload{})
	if err != nil {
		logger.Error("build expiry alert task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyTTL)
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.ClosingConcurrency * 2,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPeriodClose, Handler: periodClose.Handle},
			{Type: jobs.TaskExpiryAlert, Handler: expiryAlert.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanup.Handle},
			{Type: jobs.TaskTypeSendEmail, Handler: mailer.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ClosingCron, Task: closeTask},
			{Spec: cfg.ExpiryAlertCron, Task: expiryTask},
			{Spec: "30 3 * * *", Task: cleanupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics listener", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker started", slog.String("redis", cfg.RedisAddr), slog.String("metrics", cfg.WorkerMetricsAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
