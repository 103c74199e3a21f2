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

	"github.com/odyssey-erp/backoffice/cmd/backoffice/cli"
	"github.com/odyssey-erp/backoffice/internal/app"
	"github.com/odyssey-erp/backoffice/internal/closing"
	"github.com/odyssey-erp/backoffice/internal/delivery"
	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/observability"
	"github.com/odyssey-erp/backoffice/internal/platform/cache"
	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/platform/storage"
	"github.com/odyssey-erp/backoffice/internal/procurement"
	"github.com/odyssey-erp/backoffice/internal/returns"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
		err := jobsCLI.Run(ctx, os.Args[2:], os.Stdout)
		if cerr := jobsCLI.Close(); cerr != nil {
			logger.Warn("jobs cli close", slog.Any("error", cerr))
		}
		if err != nil {
			logger.Error("jobs cli", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

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
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	txm := db.NewTxManager(pool)
	files := storage.NewLocal(cfg.StorageDir)
	audit := shared.NewAuditTrail(shared.NewAuditLogger(pool), logger)

	inventoryService := inventory.NewService(inventory.NewRepository(txm), audit, files, metrics, logger, inventory.ServiceConfig{
		ExpiryHorizon: cfg.StockExpiryHorizon,
	})
	returnsService := returns.NewService(returns.NewRepository(txm), inventoryService, audit, files, metrics, logger)
	closingService := closing.NewService(closing.NewRepository(txm), closing.NewRedisLocker(redisClient, logger), logger, closing.Config{
		Concurrency: cfg.ClosingConcurrency,
		LockTTL:     cfg.ClosingLockTTL,
	})
	deliveryService := delivery.NewService(delivery.NewRepository(txm), delivery.NewInventoryAdapter(inventoryService), audit, logger)
	procurementService := procurement.NewService(procurement.NewRepository(txm), inventoryService, audit, logger)

	enqueueClose := func(ctx context.Context, companyID, batchID int64, period closing.Period) error {
		_, err := jobClient.EnqueuePeriodClose(ctx, jobs.PeriodClosePayload{CompanyID: companyID, BatchID: batchID, Year: period.Year, Month: period.Month})
		return err
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Metrics:            metrics,
		DB:                 pool,
		InventoryHandler:   inventory.NewHandler(logger, inventoryService),
		ReturnsHandler:     returns.NewHandler(logger, returnsService),
		ClosingHandler:     closing.NewHandler(logger, closingService, enqueueClose),
		DeliveryHandler:    delivery.NewHandler(logger, deliveryService),
		ProcurementHandler: procurement.NewHandler(logger, procurementService),
		JobHandler:         jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("backoffice listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
