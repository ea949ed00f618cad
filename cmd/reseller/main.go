package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"log/slog"

	"github.com/obezeq/AntiPanel-sub001/internal/config"
	"github.com/obezeq/AntiPanel-sub001/internal/consumer"
	"github.com/obezeq/AntiPanel-sub001/internal/handlers"
	"github.com/obezeq/AntiPanel-sub001/internal/provider"
	"github.com/obezeq/AntiPanel-sub001/internal/service"
	"github.com/obezeq/AntiPanel-sub001/internal/storage"
	"github.com/obezeq/AntiPanel-sub001/libs/health"
	"github.com/obezeq/AntiPanel-sub001/libs/httpmiddleware"
	"github.com/obezeq/AntiPanel-sub001/libs/kafka"
	"github.com/obezeq/AntiPanel-sub001/libs/logging"
	"github.com/obezeq/AntiPanel-sub001/libs/metrics"
	"github.com/obezeq/AntiPanel-sub001/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	serviceMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	if err := runMigrations(cfg, logger); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, cfg.Holds.LockTimeout, logger)

	gateway, err := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout, logger)
	if err != nil {
		logger.Error("provider client init failed", "error", err)
		os.Exit(1)
	}

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	publisher := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	defer consumerGroup.Close()
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)

	compensator := service.NewCompensationService(store, publisher, cfg.Kafka.Topics.OrdersFailed, logger, serviceMetrics)
	orderSvc := service.NewOrderService(store, gateway, compensator, publisher, logger, serviceMetrics, service.Topics{
		OrdersAccepted:  cfg.Kafka.Topics.OrdersAccepted,
		OrdersFailed:    cfg.Kafka.Topics.OrdersFailed,
		OrdersCompleted: cfg.Kafka.Topics.OrdersCompleted,
	}, cfg.Holds.Duration, cfg.Provider.Timeout)
	holdManager := service.NewHoldManager(store, logger, serviceMetrics, cfg.Holds.Duration)
	reaper := service.NewReaper(holdManager, compensator, store, logger, cfg.Reaper.Interval, cfg.Reaper.PendingGrace)
	depositConsumer := consumer.NewDepositConsumer(store, logger, serviceMetrics)

	handler := handlers.New(orderSvc, store, logger)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", ready.Liveness)
	router.GET("/readyz", ready.Readiness)
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.Auth.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ready.SetReady(true)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("reseller http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("deposit consumer starting", "topic", cfg.Kafka.Topics.PaymentsConfirmed)
		if err := consumerGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.PaymentsConfirmed}, depositConsumer); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	go func() {
		logger.Info("reaper starting", "interval", cfg.Reaper.Interval.String())
		reaper.Run(workerCtx)
	}()

	go runStatusSync(workerCtx, orderSvc, cfg.Sync, logger)

	waitForShutdown(httpServer, ready, workerCancel, logger)
}

func runMigrations(cfg *config.Config, logger *slog.Logger) error {
	dir := os.Getenv("PANEL_MIGRATIONS")
	if dir == "" {
		dir = "migrations"
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warn("migrations directory missing, skipping", "dir", dir)
		return nil
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name, cfg.DB.SSLMode)

	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("migrations applied", "dir", dir)
	return nil
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// runStatusSync polls the provider for in-flight orders so completions,
// partials, and cancellations land without waiting for user reads.
func runStatusSync(ctx context.Context, orders *service.OrderService, cfg config.SyncConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := orders.SyncOrderStatuses(ctx, cfg.BatchSize)
			if err != nil {
				logger.Error("order status sync failed", "error", err)
				continue
			}
			if changed > 0 {
				logger.Info("order statuses synced", "changed", changed)
			}
		}
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
