package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"order-payment-service/config"
	"order-payment-service/internal/api"
	"order-payment-service/internal/broker"
	"order-payment-service/internal/redisclient"
	"order-payment-service/internal/security"
	"order-payment-service/internal/service"
	"order-payment-service/internal/store"
	"order-payment-service/internal/util"
	"order-payment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const serviceName = "order-payment-service"

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, serviceName); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order payment service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(serviceName, cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		if version, err := db.MigrationVersion(); err == nil {
			logger.Info("Database migrated", zap.Int64("version", version))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	cipher, err := security.NewAESGCM(cfg.Security.EncryptionKey, cfg.Security.KeyID)
	if err != nil {
		logger.Fatal("Failed to initialize payment cipher", zap.Error(err))
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	provider := service.NewSimulatedProvider(cfg.Business.ProviderName, cfg.Business.ProviderApprovalRate)
	inventoryClient := service.NewInventoryClient(redisClient)
	orderService := service.NewOrderService(db, inventoryClient, cfg.Business.DefaultCurrency)
	paymentService := service.NewPaymentService(db, db, provider, cipher, redisClient, service.PaymentConfig{
		TTL:             time.Duration(cfg.Business.PaymentExpiryMinutes) * time.Minute,
		ProviderTimeout: time.Duration(cfg.Business.ProviderTimeoutSeconds) * time.Second,
	})
	auditService := service.NewAuditService(db, db)
	sagaOrchestrator := service.NewSagaOrchestrator(db, orderService, paymentService)

	orderConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.OrderConsumerGroup)
	orderWorker := worker.NewOrderWorker(orderConsumer, sagaOrchestrator)
	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.PaymentConsumerGroup)
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, sagaOrchestrator)

	relay := worker.NewOutboxRelay(db, producer, redisClient,
		time.Duration(cfg.Business.OutboxPollIntervalMS)*time.Millisecond, cfg.Business.OutboxBatchSize)
	reaper := worker.NewExpiryReaper(paymentService, redisClient,
		time.Duration(cfg.Business.ReaperIntervalSeconds)*time.Second, cfg.Business.ReaperBatchSize)

	var wg sync.WaitGroup
	background := map[string]func(context.Context) error{
		"order worker":   orderWorker.Start,
		"payment worker": paymentWorker.Start,
		"outbox relay":   relay.Run,
		"expiry reaper":  reaper.Run,
	}
	for name, run := range background {
		wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Background task stopped", zap.String("task", name), zap.Error(err))
			}
		}(name, run)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, paymentService, auditService, redisClient, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Observ.PrometheusPort),
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server forced to shutdown", zap.Error(err))
	}

	wg.Wait()

	closeErr := multierr.Combine(
		orderWorker.Stop(),
		paymentWorker.Stop(),
		producer.Close(),
		redisClient.Close(),
		db.Close(),
	)
	if closeErr != nil {
		logger.Warn("Errors while releasing resources", zap.Error(closeErr))
	}

	logger.Info("Server exited")
}
