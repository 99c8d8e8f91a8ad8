package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hiroki-koketsu/taskminder/internal/config"
	"github.com/hiroki-koketsu/taskminder/internal/handler"
	"github.com/hiroki-koketsu/taskminder/internal/notify"
	"github.com/hiroki-koketsu/taskminder/internal/reminder"
	"github.com/hiroki-koketsu/taskminder/internal/repository"
	"github.com/hiroki-koketsu/taskminder/internal/service"
	"github.com/hiroki-koketsu/taskminder/internal/telemetry"
	"github.com/hiroki-koketsu/taskminder/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// taskStore is what main needs from either repository implementation.
type taskStore interface {
	service.Store
	Count() int64
}

func main() {
	// Create a basic logger for startup (before OTel is initialized)
	startupLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		startupLogger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	startupLogger.Info("starting application",
		slog.String("service", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
		slog.String("variant", string(cfg.Variant)),
		slog.String("port", cfg.ServerPort),
	)

	ctx := context.Background()

	// Initialize OpenTelemetry providers (logger last for log-trace correlation)
	providers, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.Environment, cfg.OTelEnabled)
	if err != nil {
		startupLogger.Error("failed to initialize telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := providers.Shutdown(ctx); err != nil {
			startupLogger.Error("failed to shutdown telemetry", slog.Any("error", err))
		}
	}()
	logger := providers.Logger

	// Initialize task repository
	var store taskStore
	switch cfg.StoreDriver {
	case "sqlite":
		sqlRepo, err := repository.OpenSQLite(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to open database", slog.String("dsn", cfg.DatabaseDSN), slog.Any("error", err))
			os.Exit(1)
		}
		defer sqlRepo.Close()
		store = sqlRepo
	default:
		store = repository.NewTaskRepository()
	}

	// Prometheus registry for the notification pipeline and runtime
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize the notification outbox
	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.SMTPHost != "" {
		sender = notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFrom)
	}

	var queue notify.Queue = notify.NewMemoryQueue(cfg.QueueSize)
	if cfg.RedisAddr != "" {
		redisQueue := notify.NewRedisQueue(cfg.RedisAddr, cfg.RedisKey)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisQueue.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Error("failed to connect to redis", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
			os.Exit(1)
		}
		defer redisQueue.Close()
		queue = redisQueue
	}

	outbox, err := notify.NewOutbox(queue, sender, logger, registry, notify.OutboxConfig{
		MaxAttempts:    cfg.MailMaxAttempts,
		AttemptTimeout: cfg.MailTimeout,
	})
	if err != nil {
		logger.Error("failed to create outbox", slog.Any("error", err))
		os.Exit(1)
	}
	outbox.Start()

	// Create metrics instruments
	meter := otel.Meter(cfg.ServiceName)
	metrics, err := telemetry.NewMetrics(meter, store.Count)
	if err != nil {
		logger.Error("failed to create metrics", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize the reminder scheduler
	scheduler := reminder.New(outbox, logger,
		reminder.WithLead(cfg.ReminderLead),
		reminder.WithLookup(store.GetByID),
		reminder.WithFireHook(func(string) {
			metrics.RemindersFired.Add(context.Background(), 1)
		}),
	)
	scheduler.Start()

	// Initialize the service and re-arm reminders for stored tasks
	svc := service.NewTaskService(store, scheduler, outbox, logger,
		service.WithRequiredContact(cfg.Variant == config.VariantExtended),
		service.WithMetrics(metrics),
	)
	restored, err := svc.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore reminders", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("reminders restored", slog.Int("count", restored))

	// Initialize handlers
	renderer, err := web.NewRenderer()
	if err != nil {
		logger.Error("failed to load templates", slog.Any("error", err))
		os.Exit(1)
	}
	pageHandler := handler.NewPageHandler(svc, renderer, logger, cfg.Variant == config.VariantMinimal, scheduler.Lead())
	taskHandler := handler.NewTaskHandler(svc, logger)

	// Create router
	r := handler.NewRouter(pageHandler, taskHandler, metrics, registry)

	// Wrap router with OpenTelemetry HTTP instrumentation
	otelHandler := otelhttp.NewHandler(r, "http-server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// Skip tracing for health checks and scrapes
			return r.URL.Path != "/health" && r.URL.Path != "/metrics"
		}),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      otelHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create context with timeout for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Gracefully shutdown the server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
	}

	// Stop firing reminders before draining the outbox they feed
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("reminder scheduler did not stop cleanly", slog.Any("error", err))
	}
	if err := outbox.Stop(shutdownCtx); err != nil {
		logger.Error("notification outbox did not stop cleanly", slog.Any("error", err))
	}

	logger.Info("server stopped")
}
