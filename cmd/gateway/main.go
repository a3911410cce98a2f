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

	"github.com/hardhatlabs/sitepulse/internal/alerting"
	"github.com/hardhatlabs/sitepulse/internal/api"
	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/circuitbreaker"
	"github.com/hardhatlabs/sitepulse/internal/config"
	"github.com/hardhatlabs/sitepulse/internal/content"
	"github.com/hardhatlabs/sitepulse/internal/db"
	"github.com/hardhatlabs/sitepulse/internal/delivery"
	"github.com/hardhatlabs/sitepulse/internal/metrics"
	"github.com/hardhatlabs/sitepulse/internal/observ"
	"github.com/hardhatlabs/sitepulse/internal/redis"
	"github.com/hardhatlabs/sitepulse/internal/retry"
	"github.com/hardhatlabs/sitepulse/internal/sns"
	"github.com/hardhatlabs/sitepulse/internal/transport"
	"github.com/hardhatlabs/sitepulse/internal/worker"
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

	logger.Info("starting sitepulse gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)
	recorder := audit.NewPostgresRecorder(database, logger)

	// Redis backs the daily limit and create idempotency. The daily cap is a
	// hard ceiling, so the gateway will not start without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis (daily limits require it): %w", err)
	}
	defer redisClient.Close()

	limiter := redis.NewDailyLimiter(redisClient, logger, redis.DailyLimitConfig{
		Limit: cfg.DailyNotificationLimit,
	})
	idempotencyService := redis.NewIdempotencyService(redisClient, logger)

	// Circuit breakers, one per downstream service
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
	}, []string{
		circuitbreaker.ServicePush,
		circuitbreaker.ServiceSMS,
		circuitbreaker.ServiceStorage,
		circuitbreaker.ServiceExternalAPI,
	}, recorder, logger)

	// Ops alert fan-out
	var publisher alerting.Publisher
	if cfg.AlertTopicARN != "" {
		p, err := sns.NewAlertPublisher(ctx, cfg.AlertTopicARN, cfg.AWSRegion)
		if err != nil {
			logger.Warn("SNS alert publisher unavailable, alerts stay in-process",
				zap.Error(err),
			)
		} else {
			publisher = p
		}
	}

	tracker := alerting.NewTracker(alerting.Config{
		Window:                 cfg.AlertWindow,
		CriticalErrorThreshold: cfg.CriticalErrorThreshold,
		AdminAlertThreshold:    cfg.AdminAlertThreshold,
		Cooldown:               cfg.AlertCooldown,
	}, breakers, recorder, publisher, logger)

	breakers.SetOpenHandler(func(service string, snap circuitbreaker.Snapshot) {
		tracker.TriggerAlert(context.Background(), "CIRCUIT_BREAKER_OPEN", alerting.SeverityCritical, map[string]string{
			"service":              service,
			"consecutive_failures": fmt.Sprintf("%d", snap.ConsecutiveFailures),
		})
	})

	executor := retry.NewExecutor(retry.Config{
		MaxAttempts:       cfg.RetryMaxAttempts,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
		JitterFactor:      cfg.RetryJitterFactor,
	}, breakers, recorder, logger)

	// Transport adapters
	senders := make([]transport.Sender, 0, 2)
	if cfg.PushGatewayURL != "" {
		senders = append(senders, transport.NewPushSender(logger, transport.PushConfig{
			GatewayURL: cfg.PushGatewayURL,
			Timeout:    cfg.PushTimeout,
		}))
	} else {
		logger.Warn("push gateway not configured, push notifications are logged only")
		senders = append(senders, transport.NewLogSender(logger, db.ChannelPush))
	}

	smsSender, err := transport.NewSMSSender(ctx, transport.SMSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS unavailable, SMS notifications are logged only", zap.Error(err))
		senders = append(senders, transport.NewLogSender(logger, db.ChannelSMS))
	} else {
		senders = append(senders, smsSender)
	}
	router := transport.NewRouter(logger, senders...)

	// Escalation target
	var escalator delivery.Escalator
	if cfg.EscalationEmail != "" {
		escalator, err = delivery.NewEmailEscalator(ctx, delivery.EmailEscalatorConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			ToEmail:   cfg.EscalationEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES escalator: %w", err)
		}
	} else {
		logger.Warn("no escalation email configured, escalations are logged only")
		escalator = &delivery.LogEscalator{Logger: logger}
	}

	// Message content encryption
	var codec content.Codec = content.PlainCodec{}
	if len(cfg.ContentKey) > 0 {
		aesCodec, err := content.NewAESCodec(cfg.ContentKey)
		if err != nil {
			return fmt.Errorf("failed to create content codec: %w", err)
		}
		codec = aesCodec
		logger.Info("message content encryption enabled")
	}

	coordinator := delivery.NewCoordinator(
		repo,
		limiter,
		executor,
		router,
		delivery.StaticDirectory{}, // contact routing comes from the push gateway / SNS
		escalator,
		recorder,
		tracker,
		codec,
		delivery.Config{
			Deadlines: delivery.Deadlines{
				Critical: cfg.DeadlineCritical,
				High:     cfg.DeadlineHigh,
				Normal:   cfg.DeadlineNormal,
				Low:      cfg.DeadlineLow,
			},
			DeliverAsync: true,
		},
		logger,
	)

	// Escalation/expiry sweeper
	sweeper := worker.New(repo, coordinator, recorder, worker.Config{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
	}, logger)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go sweeper.Start(sweepCtx)
	logger.Info("escalation sweeper started")

	// Setup router
	r := chi.NewRouter()

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

	handler := api.NewHandler(logger, coordinator, repo, breakers, tracker, recorder, idempotencyService)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.Authenticate(logger))

		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/ack", handler.AcknowledgeNotification)

		r.Route("/ops", func(r chi.Router) {
			r.Use(api.RequireOperator)

			r.Get("/circuit-breakers", handler.CircuitBreakerStatus)
			r.Post("/circuit-breakers/{service}/reset", handler.ResetCircuitBreaker)
			r.Get("/health", handler.HealthSummary)
			r.Get("/alerts", handler.RecentAlerts)
			r.Post("/alerts/{id}/ack", handler.AcknowledgeAlert)
			r.Get("/errors", handler.ErrorStatistics)
		})
	})

	// Liveness check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
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

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		sweepCancel()

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
