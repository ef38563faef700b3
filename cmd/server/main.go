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

	"storefront-checkout/config"
	"storefront-checkout/internal/api"
	"storefront-checkout/internal/broker"
	"storefront-checkout/internal/gateway"
	"storefront-checkout/internal/notify"
	"storefront-checkout/internal/redisclient"
	"storefront-checkout/internal/service"
	"storefront-checkout/internal/store"
	"storefront-checkout/internal/util"
	"storefront-checkout/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("storefront-checkout", cfg.Server.Env, cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
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

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected", zap.String("driver", db.Driver()))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	gateways, err := buildGateways(cfg)
	if err != nil {
		logger.Fatal("Failed to configure payment providers", zap.Error(err))
	}

	cancelZone, err := time.LoadLocation(cfg.Checkout.CancelTimeZone)
	if err != nil {
		logger.Fatal("Failed to load cancel time zone", zap.Error(err))
	}

	baskets := service.NewBasketResolver(db)
	discounts := service.NewDiscountValidator(db)
	materializer := service.NewMaterializer(db, eventPublisher)
	checkout := service.NewCheckoutService(db, gateways, baskets, discounts, materializer, eventPublisher, service.CheckoutOptions{
		Currency:        cfg.Checkout.Currency,
		PendingTTL:      cfg.Checkout.PendingTTL,
		CallbackBaseURL: cfg.Server.PublicURL,
	})
	reconciler := service.NewReconciler(db, gateways, materializer, eventPublisher, redisClient, cfg.Checkout.ReconcileLockTTL)
	orders := service.NewOrderService(db, gateways, eventPublisher, cancelZone)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var sender notify.Sender = notify.NewLogSender(logger.Named("mail"))
	if cfg.Mail.Driver == "smtp" {
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		})
	}

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, sender)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	reaper := worker.NewPendingPaymentReaper(db, cfg.Checkout.ReaperInterval)
	go reaper.Run(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkout, reconciler, orders, discounts, redisClient, api.Options{
		RateLimit:        cfg.Checkout.RateLimit,
		RateLimitWindow:  cfg.Checkout.RateLimitWindow,
		AdminToken:       cfg.Server.AdminToken,
		StorefrontOrigin: cfg.Server.StorefrontOrigin,
	})
	handler.AddReadinessCheck("database", db)
	handler.AddReadinessCheck("redis", redisClient)
	handler.SetupRoutes(router)
	if cfg.Server.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is empty, admin routes are disabled")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Failed to stop notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

// buildGateways registers every provider with credentials. The configured
// provider must be among them.
func buildGateways(cfg *config.Config) (*gateway.Registry, error) {
	var gws []gateway.Gateway

	if c := cfg.Payment.Iyzico; c.APIKey != "" {
		gws = append(gws, gateway.NewIyzico(gateway.IyzicoConfig{
			APIKey:    c.APIKey,
			SecretKey: c.SecretKey,
			BaseURL:   c.BaseURL,
			Currency:  cfg.Checkout.Currency,
			Timeout:   cfg.Payment.Timeout,
		}))
	}
	if c := cfg.Payment.Craftgate; c.APIKey != "" {
		gws = append(gws, gateway.NewCraftgate(gateway.CraftgateConfig{
			APIKey:      c.APIKey,
			SecretKey:   c.SecretKey,
			BaseURL:     c.BaseURL,
			CallbackKey: c.CallbackKey,
			WebhookKey:  c.WebhookKey,
			Timeout:     cfg.Payment.Timeout,
		}))
	}

	active, err := gateway.ParseProvider(cfg.Payment.Provider)
	if err != nil {
		return nil, err
	}
	return gateway.NewRegistry(active, gws...)
}
