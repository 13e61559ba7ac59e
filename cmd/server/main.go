package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gateway-reconciler/config"
	"gateway-reconciler/internal/api"
	"gateway-reconciler/internal/broker"
	"gateway-reconciler/internal/gateway"
	"gateway-reconciler/internal/notifier"
	"gateway-reconciler/internal/outbox"
	"gateway-reconciler/internal/redisclient"
	"gateway-reconciler/internal/service"
	"gateway-reconciler/internal/store"
	"gateway-reconciler/internal/util"
	"gateway-reconciler/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting gateway reconciler")

	tp, err := util.InitTracer("gateway-reconciler", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	registry, err := gateway.NewRegistry(cfg.Gateways)
	if err != nil {
		log.Fatalf("Failed to build gateway adapters: %v", err)
	}
	logger.Info("Gateway adapters loaded", zap.Strings("gateways", registry.Codes()))

	notifyProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotify)
	defer notifyProducer.Close()
	eventsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents)
	defer eventsProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(notifyProducer, eventsProducer)

	spool, err := outbox.Open(cfg.Outbox.Path)
	if err != nil {
		log.Fatalf("Failed to open outbox: %v", err)
	}
	defer spool.Close()

	settings := service.StaticSettings(service.Settings{
		RejectUnsignedCallbacks: cfg.Business.RejectUnsignedCallbacks,
		VerifyAmounts:           cfg.Business.VerifyCallbackAmounts,
		NotifyEnabled:           cfg.Business.NotifyEnabled,
	})
	if !cfg.Business.RejectUnsignedCallbacks {
		logger.Warn("Callbacks with invalid signatures will be applied; set REJECT_UNSIGNED_CALLBACKS=true to reject them")
	}

	queue := service.NewSpoolingQueue(eventPublisher, spool)
	engine := service.NewReconciliationEngine(db, registry, queue, settings)
	engine.SetStatusCache(redisClient, cfg.Business.StatusCacheTTL)
	engine.SetLifecycleEvents(eventPublisher)

	orderService := service.NewOrderService(db, registry)
	orderService.SetIdempotencyCache(redisClient, cfg.Business.IdempotencyTTL)
	orderService.SetLifecycleEvents(eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notifyConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotify, cfg.Kafka.ConsumerGroup)
	webhooks := notifier.NewNotifier(cfg.Notifier.MaxAttempts, cfg.Notifier.BaseBackoff, cfg.Notifier.Timeout)
	notificationWorker := worker.NewNotificationWorker(notifyConsumer, webhooks, db)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	reconcileWorker := worker.NewReconcileWorker(db, engine, redisClient,
		cfg.Reconcile.Interval, cfg.Reconcile.PendingAfter, cfg.Reconcile.BatchSize, cfg.Reconcile.LockTTL)
	go func() {
		if err := reconcileWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Reconcile worker error", zap.Error(err))
		}
	}()

	outboxWorker := worker.NewOutboxWorker(spool, eventPublisher, cfg.Outbox.FlushInterval)
	go func() {
		if err := outboxWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Outbox worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, engine)
	handler.AddReadinessCheck("postgres", db)
	handler.AddReadinessCheck("redis", redisClient)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// /metrics stays on the main port too; PROMETHEUS_PORT adds a scrape-only listener
	var metricsSrv *http.Server
	if port := cfg.Observ.PrometheusPort; port != "" && port != cfg.Server.Port {
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%s", port),
			Handler: api.MetricsRouter(),
		}
		go func() {
			logger.Info("Starting metrics server", zap.String("port", port))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}

	workerCancel()
	notificationWorker.Stop()

	logger.Info("Server exited")
}
