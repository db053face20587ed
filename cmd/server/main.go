package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/alert"
	"github.com/t77yq/service-monitor/internal/checker"
	"github.com/t77yq/service-monitor/internal/config"
	"github.com/t77yq/service-monitor/internal/events"
	"github.com/t77yq/service-monitor/internal/incident"
	"github.com/t77yq/service-monitor/internal/metrics"
	"github.com/t77yq/service-monitor/internal/model"
	"github.com/t77yq/service-monitor/internal/monitor"
	"github.com/t77yq/service-monitor/internal/notify"
	"github.com/t77yq/service-monitor/internal/pool"
	"github.com/t77yq/service-monitor/internal/scheduler"
	"github.com/t77yq/service-monitor/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("MONITOR_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewSQLiteStore(logger, cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	// Admin surfaces build service.NewManager(logger, store, clients) so edits
	// evict stale pooled clients, and trigger on-demand checks via
	// engine.CheckService.
	connectTimeout := cfg.Pool.ConnectTimeout
	clients := pool.NewManager(logger,
		pool.WithMongoFactory(func(ctx context.Context, uri string) (*mongo.Client, error) {
			return pool.NewMongoClient(ctx, uri, connectTimeout)
		}),
		pool.WithRedisFactory(func(c *model.RedisConfig) (*redis.Client, error) {
			return pool.NewRedisClient(c, connectTimeout)
		}),
	)

	// Event stream is optional
	var publisher events.Publisher = events.NopPublisher{}
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = connectNATS(logger, cfg)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		jsPublisher, err := events.NewJetStreamPublisher(ctx, logger, js)
		if err != nil {
			logger.Fatal("Failed to create event publisher", zap.Error(err))
		}
		publisher = jsPublisher
	}

	// Notification transports
	webhooks := notify.NewWebhookDispatcher(logger,
		notify.WithSigningSecret(cfg.Alerts.WebhookSecret),
		notify.WithHTTPClient(&http.Client{Timeout: cfg.Alerts.WebhookTimeout}),
	)
	var email notify.EmailSender
	if cfg.SMTP.Host != "" {
		email = notify.NewSMTPSender(logger, cfg.SMTP)
	} else {
		logger.Info("SMTP host not set, email alerts disabled")
	}

	dispatcher := alert.NewDispatcher(logger, store, webhooks, email,
		alert.WithRecipients(cfg.Alerts.Recipients),
		alert.WithPublisher(publisher),
	)
	latency := alert.NewResponseTimeMonitor(logger, store, dispatcher)
	correlator := incident.NewCorrelator(logger, store, store)
	detector := incident.NewDetector(logger, store, store, correlator, dispatcher, publisher)

	runner := checker.NewRunner(logger, clients, checker.WithRetryPolicy(cfg.RetryPolicy()))
	engine := monitor.NewEngine(logger, store, runner, latency, detector,
		monitor.WithEventPublisher(publisher),
	)

	// Periodic jobs
	jobs := scheduler.NewScheduler(logger)
	retention := monitor.NewRetention(logger, store, cfg.Retention.HealthCheckDays)
	collector := monitor.NewSystemCollector(logger, publisher, jobs)

	register := func(name string, interval time.Duration, fn scheduler.Job) {
		if err := jobs.Register(name, interval, fn); err != nil {
			logger.Fatal("Failed to register job", zap.String("job", name), zap.Error(err))
		}
	}
	register("health-check", cfg.Scheduler.HealthCheckInterval, engine.HealthCheckJob)
	register("retention", cfg.Scheduler.RetentionInterval, retention.Run)
	register("system-metrics", cfg.Scheduler.SystemMetricsInterval, collector.Collect)
	jobs.Start()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	jobs.Stop()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}
	if err := clients.Cleanup(shutdownCtx); err != nil {
		logger.Warn("Failed to clean up connection pool", zap.Error(err))
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}

// connectNATS dials the configured servers, retrying with a linear backoff
func connectNATS(logger *zap.Logger, cfg *config.Config) (*nats.Conn, error) {
	natsLogger := logger.Named("nats")
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			natsLogger.Error("NATS connection error", fields...)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			natsLogger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			natsLogger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	retries := cfg.NATS.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(strings.Join(cfg.NATS.URLs, ","), opts...)
		if err == nil {
			break
		}
		natsLogger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, err
	}

	natsLogger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
