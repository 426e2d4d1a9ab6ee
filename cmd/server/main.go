package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-reconciler/config"
	"payment-reconciler/internal/api"
	"payment-reconciler/internal/app"
	"payment-reconciler/internal/broker"
	"payment-reconciler/internal/util"
	"payment-reconciler/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting payment reconciler",
		zap.String("env", cfg.Server.Env),
		zap.String("store", cfg.Database.Driver))

	tp, err := util.InitTracer("payment-reconciler", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	useKafka := len(cfg.Kafka.Brokers) > 0
	a, err := app.New(context.Background(), cfg, app.Options{
		Redis:   cfg.Redis.Addr != "",
		Kafka:   useKafka,
		Migrate: true,
	})
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var requests worker.SweepRequester = worker.DirectRequester{Reconciler: a.Payments}
	var reconcileWorker *worker.ReconcileWorker
	if useKafka {
		requests = a.Events

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup)
		reconcileWorker = worker.NewReconcileWorker(consumer, a.Payments)
		go func() {
			if err := reconcileWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Reconcile worker error", zap.Error(err))
			}
		}()
	}

	sweeper := worker.NewSweeper(a.Store, requests,
		cfg.Business.SweepInterval, cfg.Business.SweepStaleAfter, cfg.Business.SweepBatchSize)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Sweeper error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(a.Payments, a.ReadinessChecks())
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if reconcileWorker != nil {
		if err := reconcileWorker.Stop(); err != nil {
			logger.Warn("Error stopping reconcile worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
