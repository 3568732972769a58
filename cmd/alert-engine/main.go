package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"alerting/internal/alert"
	"alerting/internal/analysis"
	"alerting/internal/config"
	"alerting/internal/database"
	"alerting/internal/events"
	"alerting/internal/locker"
	"alerting/internal/manager"
	"alerting/internal/memstore"
	"alerting/internal/metrics"
	"alerting/internal/notify"
	"alerting/internal/notify/email"
	"alerting/internal/notify/email/provider"
	"alerting/internal/notify/retry"
	"alerting/internal/notify/sms"
	"alerting/internal/notify/strategy"
	"alerting/internal/realtime"
	"alerting/internal/report"
	"alerting/internal/scheduler"
)

const serviceName = "alert-engine"

// store is satisfied by both the PostgreSQL and the in-memory backend.
type store interface {
	manager.Store
	notify.Store
	Ping(ctx context.Context) error
}

func main() {
	// Parse command-line flags with environment variable fallbacks
	cfg := &config.Config{}
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", config.GetEnvOrDefault("POSTGRES_DSN", ""), "PostgreSQL connection string (empty uses the in-memory store)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", config.GetEnvOrDefault("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.KafkaBrokers, "kafka-brokers", config.GetEnvOrDefault("KAFKA_BROKERS", ""), "Kafka broker addresses (comma-separated, empty disables event publishing)")
	flag.StringVar(&cfg.AlertEventsTopic, "alert-events-topic", "alerts.events", "Kafka topic for alert lifecycle events")
	flag.StringVar(&cfg.HTTPAddr, "http-addr", config.GetEnvOrDefault("HTTP_ADDR", ":8090"), "HTTP listen address for /ws, /metrics and /healthz")
	flag.StringVar(&cfg.Devices, "devices", "", "Device IDs to evaluate (comma-separated, empty discovers devices in Redis)")
	flag.StringVar(&cfg.RulesFile, "rules-file", "", "JSON file of alert rules to seed at startup")
	flag.StringVar(&cfg.LockBackend, "lock-backend", config.LockLocal, "Per-(rule, device) lock backend: local or redis")
	flag.StringVar(&cfg.EmailFrom, "email-from", config.GetEnvOrDefault("EMAIL_FROM", email.DefaultFrom), "Sender address for alert emails")
	flag.StringVar(&cfg.EmailProvider, "email-provider", config.GetEnvOrDefault("EMAIL_PROVIDER", "smtp"), "Primary email provider: smtp, ses or resend")
	flag.StringVar(&cfg.EmailFallback, "email-fallback", "", "Fallback email providers in order (comma-separated)")
	flag.StringVar(&cfg.SMSGatewayURL, "sms-gateway-url", config.GetEnvOrDefault("SMS_GATEWAY_URL", ""), "SMS gateway endpoint")
	flag.Float64Var(&cfg.SMSRate, "sms-rate", 1, "SMS gateway requests per second (0 disables limiting)")
	flag.IntVar(&cfg.SMSBurst, "sms-burst", 5, "SMS gateway burst size")
	flag.DurationVar(&cfg.ChannelTimeout, "channel-timeout", 30*time.Second, "Timeout for one notification channel send")
	flag.DurationVar(&cfg.DeviceTimeout, "device-timeout", 30*time.Second, "Timeout for one analysis fetch")
	flag.IntVar(&cfg.MaxDeliveryAttempts, "max-delivery-attempts", 5, "Maximum delivery attempts per channel")
	flag.IntVar(&cfg.RetentionDays, "retention-days", config.DefaultRetentionDays, "Days to keep closed alerts")
	flag.BoolVar(&cfg.StatsIncludeSuppressed, "stats-include-suppressed", false, "Count suppressed firings in statistics totals")
	flag.StringVar(&cfg.RuleSweepSchedule, "rule-sweep-schedule", scheduler.DefaultRuleSweep, "Rule sweep schedule (empty disables)")
	flag.StringVar(&cfg.RetrySchedule, "retry-schedule", scheduler.DefaultRetry, "Notification retry schedule (empty disables)")
	flag.StringVar(&cfg.CleanupSchedule, "cleanup-schedule", scheduler.DefaultCleanup, "Retention cleanup schedule (empty disables)")
	flag.StringVar(&cfg.ReportSchedule, "report-schedule", scheduler.DefaultReport, "Daily report schedule (empty disables)")
	flag.StringVar(&cfg.HealthSchedule, "health-schedule", scheduler.DefaultHealth, "Health check schedule (empty disables)")
	flag.Parse()

	// Set up structured logging
	// Allow DEBUG level via environment variable for troubleshooting
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "DEBUG" || os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("Starting alert engine",
		"postgres_dsn", config.MaskDSN(cfg.PostgresDSN),
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"http_addr", cfg.HTTPAddr,
		"lock_backend", cfg.LockBackend,
	)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	health := scheduler.NewHealthChecker(5 * time.Second)

	// Initialize persistence
	var st store
	if cfg.PostgresDSN != "" {
		slog.Info("Connecting to PostgreSQL database")
		db, err := database.NewDB(cfg.PostgresDSN)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			slog.Info("Tip: Start Postgres with 'docker compose up -d postgres' or ensure Postgres is running")
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("Failed to apply database schema", "error", err)
			os.Exit(1)
		}
		st = db
		health.AddCheck("postgres", db.Ping)
	} else {
		slog.Warn("No postgres-dsn configured, alerts are kept in memory only")
		st = memstore.New()
	}

	// Initialize Redis client for analysis outcomes, metrics, reports and locks
	slog.Info("Connecting to Redis", "addr", cfg.RedisAddr)
	redisClient, err := connectRedis(ctx, cfg.RedisAddr)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		slog.Info("Tip: Start Redis with 'docker compose up -d redis'")
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("Successfully connected to Redis")
	health.AddCheck("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	// Initialize metrics
	metricsCollector := metrics.NewCollector(serviceName, redisClient)
	metricsCollector.Start(ctx)
	defer metricsCollector.Stop()
	promMetrics := metrics.NewPrometheus("alerting")
	recorder := metrics.Multi{metricsCollector, promMetrics}

	// Initialize event publishing
	var publisher events.Publisher = events.NoOp{}
	if cfg.KafkaBrokers != "" {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.AlertEventsTopic)
		if err != nil {
			slog.Error("Failed to create Kafka publisher", "error", err)
			slog.Info("Tip: Start Kafka with 'docker compose up -d kafka'")
			os.Exit(1)
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	} else {
		slog.Info("No kafka-brokers configured, alert events are not published")
	}

	// Initialize lock backend
	var lk locker.Locker = locker.NewLocal()
	if cfg.LockBackend == config.LockRedis {
		lk = locker.NewRedis(redisClient, locker.DefaultTTL, locker.DefaultRetryInterval)
	}

	// Initialize notification channels
	hub := realtime.NewHub()
	emailProviders, err := newEmailProviders(ctx, cfg)
	if err != nil {
		slog.Error("Invalid email provider configuration", "error", err)
		os.Exit(1)
	}
	health.SetEmailProviders(emailProviders)

	channels := strategy.NewRegistry()
	channels.Register(email.NewSender(cfg.EmailFrom, emailProviders))
	channels.Register(sms.NewSender(sms.Config{
		GatewayURL: cfg.SMSGatewayURL,
		Token:      config.GetEnvOrDefault("SMS_GATEWAY_TOKEN", ""),
		Rate:       cfg.SMSRate,
		Burst:      cfg.SMSBurst,
		Timeout:    cfg.ChannelTimeout,
	}))
	channels.Register(realtime.NewChannel(hub))
	slog.Info("Registered notification channels", "methods", channels.List())

	dispatcher := notify.New(st, channels, notify.Config{
		ChannelTimeout: cfg.ChannelTimeout,
		Retry:          retry.DefaultConfig(),
		MaxAttempts:    cfg.MaxDeliveryAttempts,
	})
	dispatcher.SetMetrics(recorder)
	dispatcher.SetPublisher(publisher)

	// Initialize alert manager
	analysisProvider := analysis.NewRedisProvider(redisClient)
	mgr := manager.New(st, manager.Options{
		Locker:                   lk,
		Dispatcher:               dispatcher,
		Publisher:                publisher,
		Broadcaster:              hub,
		Metrics:                  recorder,
		Provider:                 analysisProvider,
		DeviceTimeout:            cfg.DeviceTimeout,
		IncludeSuppressedInStats: cfg.StatsIncludeSuppressed,
	})
	if err := seedRules(ctx, mgr, cfg.RulesFile); err != nil {
		slog.Error("Failed to load alert rules", "error", err)
		os.Exit(1)
	}

	var devices analysis.DeviceSource = analysisProvider
	if list := cfg.DeviceList(); len(list) > 0 {
		devices = analysis.StaticDevices(list)
	}

	// Initialize scheduler
	sched, err := scheduler.New(scheduler.Config{
		RuleSweep: cfg.RuleSweepSchedule,
		Retry:     cfg.RetrySchedule,
		Cleanup:   cfg.CleanupSchedule,
		Report:    cfg.ReportSchedule,
		Health:    cfg.HealthSchedule,
		Retention: cfg.Retention(),
	}, scheduler.Options{
		Manager:    mgr,
		Dispatcher: dispatcher,
		Devices:    devices,
		Health:     health,
		Notifier:   hub,
		Sinks:      []report.Sink{report.LogSink{}, report.NewRedisSink(redisClient, report.DefaultTTL)},
	})
	if err != nil {
		slog.Error("Invalid scheduler configuration", "error", err)
		os.Exit(1)
	}
	sched.Start(ctx)
	go hub.Run(ctx, realtime.DefaultHeartbeatInterval)

	server := newServer(cfg.HTTPAddr, hub, promMetrics, health, sched)

	// Start HTTP server in a goroutine
	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	// Wait for shutdown signal or server error
	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-serverErrChan:
		slog.Error("HTTP server error", "error", err)
		exitCode = 1
		cancel()
	}

	slog.Info("Shutting down HTTP server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error shutting down server", "error", err)
	}
	sched.Stop()
	hub.Close()

	slog.Info("Alert engine stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// connectRedis creates and validates a Redis connection.
func connectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// newEmailProviders registers every email provider and applies the primary
// and fallback selection.
func newEmailProviders(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	registry.Register(provider.NewSMTPProvider(provider.SMTPConfig{
		Host:     config.GetEnvOrDefault("SMTP_HOST", ""),
		Port:     config.GetEnvOrDefault("SMTP_PORT", "587"),
		User:     config.GetEnvOrDefault("SMTP_USER", ""),
		Password: config.GetEnvOrDefault("SMTP_PASSWORD", ""),
	}))
	registry.Register(provider.NewSESProvider(ctx, config.GetEnvOrDefault("AWS_REGION", "us-east-1")))
	registry.Register(provider.NewResendProvider(config.GetEnvOrDefault("RESEND_API_KEY", "")))

	if err := registry.SetPrimary(cfg.EmailProvider); err != nil {
		return nil, err
	}
	if fallback := config.SplitList(cfg.EmailFallback); len(fallback) > 0 {
		if err := registry.SetFallback(fallback...); err != nil {
			return nil, err
		}
	}
	slog.Info("Email providers configured",
		"primary", cfg.EmailProvider,
		"fallback", cfg.EmailFallback,
		"available", registry.Available(),
	)
	return registry, nil
}

// seedRules loads and stores the rules file. No file leaves the stored rules as they are.
func seedRules(ctx context.Context, mgr *manager.Manager, path string) error {
	if path == "" {
		slog.Warn("No rules-file configured, using rules already stored")
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rules, err := alert.LoadRules(f)
	if err != nil {
		return err
	}
	return mgr.SeedRules(ctx, rules)
}
