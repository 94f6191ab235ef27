package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/api"
	"github.com/encorehq/stagebell/internal/circuitbreaker"
	"github.com/encorehq/stagebell/internal/config"
	"github.com/encorehq/stagebell/internal/db"
	"github.com/encorehq/stagebell/internal/metrics"
	"github.com/encorehq/stagebell/internal/notify"
	"github.com/encorehq/stagebell/internal/observ"
	"github.com/encorehq/stagebell/internal/push"
	"github.com/encorehq/stagebell/internal/queue"
	"github.com/encorehq/stagebell/internal/recovery"
	"github.com/encorehq/stagebell/internal/scheduler"
	"github.com/encorehq/stagebell/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting stagebell",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repositories
	concerts := db.NewConcertRepo(database, logger)
	recipients := db.NewRecipientRepo(database, logger)
	intents := db.NewIntentRepo(database, logger)
	history := db.NewHistoryRepo(database, cfg.HistoryTTLRead, cfg.HistoryTTLUnread, logger)

	// Initialize Redis-backed job queue. Unlike the database, Redis is
	// not optional: scheduling and delivery both run through the queue.
	redisClient, err := queue.NewClient(ctx, queue.ClientConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	dispatchLimiter := queue.NewRateLimiter(redisClient, logger, queue.RateLimitConfig{
		Limit:  cfg.DispatchLimit,
		Window: cfg.DispatchWindow,
	})

	jobQueue := queue.New(redisClient, dispatchLimiter, queue.Config{
		MaxAttempts:        cfg.QueueMaxAttempts,
		BackoffBase:        cfg.QueueBackoffBase,
		PollInterval:       cfg.QueuePollInterval,
		Concurrency:        cfg.WorkerConcurrency,
		CompletedRetention: cfg.CompletedRetention,
		DeadRetention:      cfg.DeadRetention,
	}, logger)

	// Initialize push gateway. SNS in production, a log-only gateway
	// when no platform application is configured.
	var gateway push.Gateway
	if cfg.SNSPlatformARN != "" {
		snsGateway, err := push.NewSNSGateway(ctx, push.SNSConfig{
			Region: cfg.SNSRegion,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SNS push gateway: %w", err)
		}
		gateway = snsGateway
	} else {
		logger.Warn("SNS_PLATFORM_ARN not set, pushes will only be logged")
		gateway = push.NewLogGateway(logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:                "push-gateway",
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 3,
	}, logger)
	gateway = circuitbreaker.NewProtectedGateway(gateway, breaker, logger)

	w := worker.New(concerts, recipients, intents, history, gateway, worker.Config{
		BatchSize:    cfg.GatewayBatchSize,
		BadgeEnabled: cfg.BadgeEnabled,
	}, logger)

	// Reconcile intents against the queue before consuming, so jobs
	// lost to a crash or Redis flush are re-armed rather than silently
	// dropped.
	recoverySvc := recovery.New(intents, jobQueue, recovery.Config{
		Grace:    cfg.RecoveryGrace,
		MaxStale: cfg.RecoveryMaxStale,
	}, logger)
	if err := recoverySvc.Run(ctx); err != nil {
		logger.Error("startup recovery incomplete", zap.Error(err))
	}

	sched := scheduler.New(concerts, jobQueue, scheduler.Config{
		LookaheadFrom: cfg.LookaheadFrom,
		LookaheadTo:   cfg.LookaheadTo,
		Offsets: map[notify.Kind][]int{
			notify.KindTicketOpen:   cfg.TicketOpenOffsets,
			notify.KindConcertStart: cfg.StartOffsets,
		},
	}, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go sched.Start(bgCtx)
	go jobQueue.Consume(bgCtx, w.Handle)
	go history.RunExpirySweep(bgCtx, cfg.HistorySweepInterval, metrics.RecordHistoryPruned)
	go reportQueueDepth(bgCtx, jobQueue)

	logger.Info("background services started",
		zap.Int("worker_concurrency", cfg.WorkerConcurrency),
		zap.Bool("badge_enabled", cfg.BadgeEnabled),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, history, intents, jobQueue)
	r.Route("/v1", handler.Routes)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop scheduling and consuming before draining HTTP
		bgCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// reportQueueDepth samples the scheduled set size for the depth gauge.
func reportQueueDepth(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := q.Depth(ctx); err == nil {
				metrics.SetQueueDepth(depth)
			}
		}
	}
}
