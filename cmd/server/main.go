package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/catalog"
	"checkout-service/internal/gateway"
	"checkout-service/internal/lock"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/store/memstore"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// backingStore is the set of stores every backend provides
type backingStore interface {
	store.ProductStore
	store.InventoryStore
	store.OrderStore
	store.PaymentStore
	store.ProcessedEventStore
	productCreator
}

type productCreator interface {
	CreateProduct(ctx context.Context, p *models.Product) error
}

// inlineWebhooks hands simulator events straight to the processor when Kafka is off
type inlineWebhooks struct {
	processor *service.WebhookProcessor
}

func (p inlineWebhooks) PublishWebhook(ctx context.Context, _ string, payload []byte, signature string) error {
	_, err := p.processor.HandleEvent(ctx, payload, signature)
	return err
}

func main() {

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(util.LogConfig{
		Env:     cfg.Server.Env,
		Level:   cfg.Observ.LogLevel,
		Service: cfg.Observ.ServiceName,
		Version: cfg.Observ.ServiceVersion,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer(util.TraceConfig{
		Service:     cfg.Observ.ServiceName,
		Version:     cfg.Observ.ServiceVersion,
		Env:         cfg.Server.Env,
		Endpoint:    cfg.Observ.JaegerEndpoint,
		SampleRatio: cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	var (
		db    backingStore
		pings []api.ReadinessProbe
	)
	switch cfg.Backends.Store {
	case "postgres":
		if err := store.Migrate(cfg.Database.URL); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pg.Close()
		db = pg
		pings = append(pings, pg.Ping)
		logger.Info("Database connected")
	default:
		db = memstore.New()
		logger.Warn("Using in-memory store; state is lost on restart")
	}

	var (
		inventory store.InventoryStore      = db
		events    store.ProcessedEventStore = db
		locker    lock.Locker               = lock.NewKeyedMutex()
	)
	if cfg.NeedsRedis() {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redisclient.Options{EventRetention: cfg.Business.EventRetention})
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rc.Close()
		pings = append(pings, rc.Ping)
		logger.Info("Redis connected")

		if cfg.Backends.Inventory == "redis" {
			inventory = rc
		}
		if cfg.Backends.Idempotency == "redis" {
			events = rc
		}
		if cfg.Backends.Lock == "redis" {
			locker = rc.NewLocker(30*time.Second, 50*time.Millisecond)
		}
	}

	var (
		notifier     service.Notifier = service.NopNotifier{}
		closers      []func() error
		webhookQueue *broker.Consumer
		publisher    gateway.WebhookPublisher
	)
	if cfg.Kafka.Enabled {
		notifications := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		webhooks := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks)
		closers = append(closers, notifications.Close, webhooks.Close)
		notifier = broker.NewNotifier(notifications)
		publisher = broker.NewWebhookPublisher(webhooks)
		webhookQueue = broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks, cfg.Kafka.ConsumerGroup)
		logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Error("Error closing producer", zap.Error(err))
			}
		}
	}()

	ledger := service.NewInventoryLedger(inventory)
	simulator := gateway.NewSimulator(gateway.Config{
		SuccessRate:   cfg.Gateway.SuccessRate,
		MaxLatency:    cfg.Gateway.MaxLatency,
		SettleDelay:   cfg.Gateway.SettleDelay,
		WebhookSecret: cfg.Business.WebhookSecret,
	}, nil)
	webhookProcessor := service.NewWebhookProcessor(
		service.WebhookConfig{
			Secret:         cfg.Business.WebhookSecret,
			Tolerance:      cfg.Business.SignatureTolerance,
			GatewayTimeout: cfg.Business.GatewayTimeout,
		},
		events, db, db, ledger, simulator, locker, notifier)
	if publisher == nil {
		publisher = inlineWebhooks{processor: webhookProcessor}
	}
	simulator.SetPublisher(publisher)

	checkout := service.NewCheckoutOrchestrator(catalog.New(db, inventory), simulator, ledger, db, db, locker,
		service.CheckoutConfig{GatewayTimeout: cfg.Business.GatewayTimeout, DefaultCurrency: cfg.Business.DefaultCurrency})
	orderService := service.NewOrderService(db, db, ledger, simulator, locker, notifier, cfg.Business.GatewayTimeout)

	if cfg.Business.SeedDemoData {
		if err := seedDemoData(context.Background(), db, inventory, cfg.Business.DefaultCurrency); err != nil {
			logger.Error("Failed to seed demo data", zap.Error(err))
		}
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var webhookWorker *worker.WebhookWorker
	if webhookQueue != nil {
		webhookWorker = worker.NewWebhookWorker(webhookQueue, webhookProcessor)
		go func() {
			if err := webhookWorker.Start(workerCtx); err != nil {
				logger.Error("Webhook worker error", zap.Error(err))
			}
		}()
	}

	sweeper := worker.NewIdempotencySweeper(events, cfg.Business.EventRetention, cfg.Business.SweepInterval)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil {
			logger.Error("Idempotency sweeper error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(checkout, orderService, webhookProcessor, ledger, readiness(pings))
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	simulator.Close()
	workerCancel()
	if webhookWorker != nil {
		if err := webhookWorker.Stop(); err != nil {
			logger.Error("Error stopping webhook worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

func readiness(pings []api.ReadinessProbe) api.ReadinessProbe {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		for _, ping := range pings {
			if err := ping(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

var demoProducts = []struct {
	sku, name, price string
	qty              int
}{
	{"TSHIRT-BLK-M", "Black T-Shirt (M)", "19.99", 50},
	{"MUG-LOGO", "Logo Mug", "9.50", 20},
	{"HOODIE-GRY-L", "Grey Hoodie (L)", "49.00", 5},
	{"STICKER-PACK", "Sticker Pack", "3.25", 1},
}

// seedDemoData creates a small catalog. Products that already exist are skipped.
func seedDemoData(ctx context.Context, products productCreator, inventory store.InventoryStore, currency string) error {
	logger := util.GetLogger()
	for _, d := range demoProducts {
		p := &models.Product{
			SKU:      d.sku,
			Name:     d.name,
			Price:    decimal.RequireFromString(d.price),
			Currency: currency,
			Active:   true,
		}
		if err := products.CreateProduct(ctx, p); err != nil {
			if errors.Is(err, models.ErrConflict) {
				continue
			}
			return err
		}
		inv := &models.Inventory{ProductID: p.ID, Quantity: d.qty, MinStockLevel: 2}
		if err := inventory.UpsertInventory(ctx, inv); err != nil {
			return err
		}
		logger.Info("Seeded product",
			zap.Int64("product_id", p.ID),
			zap.String("sku", p.SKU),
			zap.Int("quantity", d.qty))
	}
	return nil
}
