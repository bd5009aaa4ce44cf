package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/api"
	"github.com/lalithlochan/outpost/internal/auth"
	"github.com/lalithlochan/outpost/internal/circuitbreaker"
	"github.com/lalithlochan/outpost/internal/config"
	"github.com/lalithlochan/outpost/internal/db"
	"github.com/lalithlochan/outpost/internal/deadletter"
	"github.com/lalithlochan/outpost/internal/integration"
	"github.com/lalithlochan/outpost/internal/memstore"
	"github.com/lalithlochan/outpost/internal/metrics"
	"github.com/lalithlochan/outpost/internal/notify"
	"github.com/lalithlochan/outpost/internal/observ"
	"github.com/lalithlochan/outpost/internal/redis"
	"github.com/lalithlochan/outpost/internal/secrets"
	"github.com/lalithlochan/outpost/internal/webhook"
	"github.com/lalithlochan/outpost/internal/worker"
)

var version = "dev"

// store is everything the gateway needs from persistence. Both
// *db.Repository and *memstore.Store satisfy it.
type store interface {
	integration.Repository
	worker.Repository
	notify.ManagementStore
	webhook.ManagementStore
	auth.Store
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting outpost gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", version),
		zap.String("store", cfg.StoreDriver),
		zap.String("providers", cfg.Providers),
	)

	ctx := context.Background()

	shutdownTracing, err := observ.InitTracing(ctx, observ.TracingConfig{
		ServiceName:    "outpost",
		ServiceVersion: version,
		Env:            cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	sentryEnabled, err := observ.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		return err
	}
	if sentryEnabled {
		defer func() { _ = observ.FlushSentry(2 * time.Second) }()
	}

	// Storage
	var (
		repo store
		ping func(r *http.Request) error
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		repo = memstore.New()
	default:
		database, err := db.New(ctx, db.Config{
			URL:      cfg.DatabaseURL,
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: int32(cfg.DBMaxConns),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		repo = db.NewRepository(database, logger)
		ping = func(r *http.Request) error { return database.Health(r.Context()) }
	}

	// Redis for rate limiting and idempotency replay
	var redisClient *redis.Client
	if cfg.RedisHost != "" {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			if cfg.NotifyRateLimitBackend == "redis" {
				return fmt.Errorf("redis required for notification rate limiting: %w", err)
			}
			logger.Warn("redis unavailable, replay cache and api rate limit disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	box, err := secrets.New(cfg.SecretsKey, logger)
	if err != nil {
		return fmt.Errorf("failed to init secrets: %w", err)
	}

	clients := newAWSClients(cfg, logger)

	// Notification providers
	router, breakers, err := buildProviders(ctx, cfg, clients, logger)
	if err != nil {
		return err
	}

	var limiter notify.Limiter = notify.NewSlidingWindow(cfg.NotifyRateLimitPerMinute, time.Minute)
	if cfg.NotifyRateLimitBackend == "redis" {
		limiter = notify.NewRedisLimiter(redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Prefix: "notify",
			Limit:  cfg.NotifyRateLimitPerMinute,
			Window: time.Minute,
		}))
	}

	// Dead-letter fan-out
	notifier, err := buildDeadLetterNotifier(ctx, cfg, clients, sentryEnabled, logger)
	if err != nil {
		return err
	}

	// Services and worker
	svc := integration.NewService(repo, nil, nil, logger)

	opts := []worker.Option{worker.WithSweeper(svc)}
	if notifier.Len() > 0 {
		opts = append(opts, worker.WithDeadLetterNotifier(notifier))
	}
	w := worker.New(repo, worker.Config{
		PollInterval:    cfg.WorkerPollInterval,
		BatchSize:       cfg.WorkerBatchSize,
		MaxAttempts:     cfg.WorkerMaxAttempts,
		OutboxBatchSize: cfg.OutboxBatchSize,
		RecoverAfter:    cfg.WorkerRecoverAfter,
	}, logger, opts...)
	svc.SetRunner(w)

	notifyHandler := notify.NewHandler(repo, router, limiter, notify.HandlerConfig{
		ProviderTimeout: cfg.ProviderTimeout,
	}, logger)
	deliverer := webhook.NewHTTPDeliverer(webhook.HTTPConfig{Timeout: cfg.WebhookTimeout}, logger)
	webhookHandler := webhook.NewHandler(repo, box, deliverer, webhook.HandlerConfig{
		MaxAttempts: cfg.WorkerMaxAttempts,
	}, logger)

	if err := w.Register(db.JobTypeNotificationDispatch, notifyHandler); err != nil {
		return err
	}
	if err := w.Register(db.JobTypeWebhookDelivery, webhookHandler); err != nil {
		return err
	}

	tokens := auth.NewService(repo, logger)
	if cfg.BootstrapCompanyID != 0 {
		raw, id, err := tokens.CreateToken(ctx, cfg.BootstrapCompanyID, "bootstrap", []string{auth.ScopeAdmin})
		if err != nil {
			return fmt.Errorf("failed to issue bootstrap token: %w", err)
		}
		logger.Warn("bootstrap admin token issued, store it now",
			zap.Int64("company_id", cfg.BootstrapCompanyID),
			zap.Int64("token_id", id),
			zap.String("token", raw),
		)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Start(workerCtx)
	}()

	logger.Info("background worker started")

	// HTTP
	deps := api.Deps{
		Integration:   svc,
		Notifications: notify.NewService(repo, logger),
		Webhooks:      webhook.NewService(repo, box, logger),
		Tokens:        tokens,
		Breakers:      breakers,
		Ping:          ping,
	}
	var apiLimiter api.Limiter
	if redisClient != nil {
		deps.Replay = redis.NewReplayCache(redisClient, logger)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Prefix: "api",
			Limit:  cfg.APIRateLimitPerMinute,
			Window: time.Minute,
		})
	}
	handler := api.NewHandler(logger, deps)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	handler.Mount(r, api.RateLimitMiddleware(apiLimiter, cfg.APIRateLimitPerMinute, logger, api.CompanyKeyFunc))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		workerCancel()
		select {
		case <-workerDone:
		case <-ctx.Done():
			logger.Warn("worker did not stop before shutdown deadline")
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Int64("company_id", auth.CompanyID(r.Context())),
			)
		})
	}
}

func buildDeadLetterNotifier(ctx context.Context, cfg *config.Config, clients *awsClients, sentryEnabled bool, logger *zap.Logger) (*deadletter.Notifier, error) {
	n := deadletter.NewNotifier(5*time.Second, logger)

	if cfg.SQSDLQURL != "" {
		producer, err := clients.sqsProducer(ctx)
		if err != nil {
			return nil, err
		}
		n.Add("sqs", producer)
	}
	if cfg.DLQSNSTopicARN != "" {
		publisher, err := clients.snsPublisher(ctx)
		if err != nil {
			return nil, err
		}
		n.Add("sns", publisher)
	}
	if sentryEnabled {
		n.Add("sentry", deadletter.NewSentryReporter(sentry.CurrentHub(), 2*time.Second))
	}

	logger.Info("dead-letter notifier configured", zap.Int("sinks", n.Len()))
	return n, nil
}

// buildProviders registers a provider per channel. With PROVIDERS=aws email
// goes through SES and SMS through SNS, each behind its own breaker; the
// remaining channels are logged.
func buildProviders(ctx context.Context, cfg *config.Config, clients *awsClients, logger *zap.Logger) (*notify.Router, []*circuitbreaker.CircuitBreaker, error) {
	router := notify.NewRouter()
	for _, ch := range db.Channels {
		router.Register(ch, notify.NewLogProvider(ch, logger))
	}
	if cfg.Providers != "aws" {
		return router, nil, nil
	}

	sesClient, err := clients.ses(ctx)
	if err != nil {
		return nil, nil, err
	}
	snsClient, err := clients.sns(ctx)
	if err != nil {
		return nil, nil, err
	}

	sesBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
	snsBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger)

	router.Register(db.ChannelEmail, notify.NewProtectedProvider(notify.NewSESProvider(sesClient, cfg.SESFromEmail, logger), sesBreaker))
	router.Register(db.ChannelSMS, notify.NewProtectedProvider(notify.NewSNSProvider(snsClient, logger), snsBreaker))

	return router, []*circuitbreaker.CircuitBreaker{sesBreaker, snsBreaker}, nil
}
