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

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/harborline/supportd/cmd/supportd/internal/handlers"
	"github.com/harborline/supportd/cmd/supportd/internal/middleware"
	"github.com/harborline/supportd/internal/archive"
	"github.com/harborline/supportd/internal/auth"
	"github.com/harborline/supportd/internal/chat"
	"github.com/harborline/supportd/internal/circuitbreaker"
	"github.com/harborline/supportd/internal/commerce"
	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/embeddings"
	"github.com/harborline/supportd/internal/engine"
	"github.com/harborline/supportd/internal/llm"
	"github.com/harborline/supportd/internal/notify"
	"github.com/harborline/supportd/internal/rerank"
	"github.com/harborline/supportd/internal/semcache"
	"github.com/harborline/supportd/internal/session"
	"github.com/harborline/supportd/internal/tracing"
	"github.com/harborline/supportd/internal/vectordb"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logLevel, err := cfg.Logging.BuildWithLevel()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Tracing is best effort: a missing collector must never block startup.
	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Redis is the one hard dependency: live sessions cannot exist without it.
	redisOpts, err := redis.ParseURL(cfg.Session.RedisURL)
	if err != nil {
		logger.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cancelPing()

	redisWrapper := circuitbreaker.NewRedisWrapper(redisClient, breakerSettings(cfg.CircuitBreakers.Redis), logger)
	defer redisWrapper.Close()

	sessionStore := session.NewStore(redisWrapper, cfg.Session, logger)

	// Postgres is optional: without it order lookups, archival, and customer
	// login are disabled and the service still answers policy questions.
	var (
		pg            *sqlx.DB
		commerceStore *commerce.Store
		archiveStore  *archive.Store
	)
	if cfg.Postgres.DSN != "" {
		pg, err = commerce.Open(cfg.Postgres)
		if err != nil {
			logger.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		defer pg.Close()
		commerceStore = commerce.NewStore(pg, cfg.Postgres, logger)
		archiveStore = archive.NewStore(pg, cfg.Postgres, logger)
	} else {
		logger.Warn("Postgres DSN not configured; order lookups, archival, and customer login are disabled")
	}

	var embedder *embeddings.Service
	if cfg.Embeddings.BaseURL != "" {
		embedder = embeddings.NewService(cfg.Embeddings, logger)
	}

	vector := vectordb.NewClient(cfg.Vector, breakerSettings(cfg.CircuitBreakers.HTTP), logger)

	reranker := rerank.NewClient(cfg.Rerank, cfg.Embeddings.BaseURL, logger)

	var answerCache *semcache.Cache
	if vector.Enabled() && embedder != nil {
		answerCache = semcache.New(vector, embedder, cfg.Vector.CacheCollection, cfg.Cache, logger)
	} else {
		logger.Warn("Semantic answer cache disabled; requires vector db and embeddings")
	}

	var completions *llm.Client
	if cfg.LLM.APIKey != "" || cfg.LLM.BaseURL != "" {
		completions = llm.NewClient(cfg.LLM, logger)
	} else {
		logger.Warn("LLM credentials not configured; generation degrades to deterministic answers")
	}

	notifier := notify.New(cfg.Notify, logger)

	// Interface fields get concrete values only when the collaborator exists,
	// so the pipeline's nil checks keep working.
	engineDeps := engine.Deps{Vector: vector, Reranker: reranker}
	if completions != nil {
		engineDeps.LLM = completions
	}
	if embedder != nil {
		engineDeps.Embedder = embedder
	}
	if answerCache != nil {
		engineDeps.Cache = answerCache
	}
	if commerceStore != nil {
		engineDeps.Orders = commerceStore
	}
	if cfg.Router.RulesPath != "" {
		rules, err := engine.LoadRuleSet(cfg.Router.RulesPath)
		if err != nil {
			logger.Fatal("Failed to load routing rules", zap.Error(err))
		}
		engineDeps.Rules = rules
		logger.Info("Loaded routing rules", zap.String("path", cfg.Router.RulesPath))
	}
	pipeline := engine.New(cfg.Vector, engineDeps, logger)

	chatDeps := chat.Deps{
		Pipeline: pipeline,
		Sessions: sessionStore,
		Notifier: notifier,
	}
	if archiveStore != nil {
		chatDeps.Archive = archiveStore
	}
	if completions != nil {
		chatDeps.Summarizer = completions
	}
	driver := chat.NewDriver(cfg.Session, chatDeps, logger)

	authService := auth.NewService(cfg.Auth, commerceStore, logger)

	// Create handlers
	chatHandler := handlers.NewChatHandler(driver, logger)
	authHandler := handlers.NewAuthHandler(authService, logger)

	var handlerArchive handlers.ArchiveStore
	if archiveStore != nil {
		handlerArchive = archiveStore
	}
	var closeSummarizer handlers.Summarizer
	if completions != nil {
		closeSummarizer = completions
	}
	sessionsHandler := handlers.NewSessionsHandler(sessionStore, handlerArchive, closeSummarizer, cfg.Session, logger)
	escalationsHandler := handlers.NewEscalationsHandler(sessionStore, handlerArchive, logger)

	var pgPinger handlers.Pinger
	if pg != nil {
		pgPinger = handlers.PingerFunc(pg.PingContext)
	}
	var vectorPinger handlers.Pinger
	if vector.Enabled() {
		vectorPinger = vector
	}
	healthHandler := handlers.NewHealthHandler(redisWrapper, pgPinger, vectorPinger, logger)

	// Create middlewares
	tracingMiddleware := middleware.NewTracingMiddleware(logger).Middleware
	rateLimiter := middleware.NewRateLimiter(redisWrapper, cfg.RateLimit.RequestsPerMinute, logger).Middleware

	// Setup HTTP mux
	mux := http.NewServeMux()

	// Health checks (no middleware)
	mux.HandleFunc("GET /health", healthHandler.Health)
	mux.HandleFunc("GET /readiness", healthHandler.Readiness)

	// Chat endpoint (rate limited per user)
	mux.Handle("POST /v1/chat",
		tracingMiddleware(
			middleware.Metrics(
				rateLimiter(
					http.HandlerFunc(chatHandler.Chat),
				),
			),
		),
	)

	mux.Handle("POST /v1/auth/login",
		tracingMiddleware(
			middleware.Metrics(
				http.HandlerFunc(authHandler.Login),
			),
		),
	)

	// Session endpoints
	mux.Handle("POST /v1/sessions",
		tracingMiddleware(
			middleware.Metrics(
				http.HandlerFunc(sessionsHandler.Create),
			),
		),
	)

	mux.Handle("GET /v1/sessions",
		tracingMiddleware(
			middleware.Metrics(
				http.HandlerFunc(sessionsHandler.List),
			),
		),
	)

	mux.Handle("GET /v1/sessions/{sid}/messages",
		tracingMiddleware(
			middleware.Metrics(
				http.HandlerFunc(sessionsHandler.Messages),
			),
		),
	)

	mux.Handle("POST /v1/sessions/{sid}/close",
		tracingMiddleware(
			middleware.Metrics(
				http.HandlerFunc(sessionsHandler.Close),
			),
		),
	)

	// Agent-side escalation endpoints
	mux.Handle("GET /v1/escalations",
		tracingMiddleware(
			middleware.Metrics(
				http.HandlerFunc(escalationsHandler.List),
			),
		),
	)

	mux.Handle("GET /v1/escalations/{sid}",
		tracingMiddleware(
			middleware.Metrics(
				http.HandlerFunc(escalationsHandler.Get),
			),
		),
	)

	mux.Handle("POST /v1/escalations/{sid}/claim",
		tracingMiddleware(
			middleware.Metrics(
				http.HandlerFunc(escalationsHandler.Claim),
			),
		),
	)

	mux.Handle("POST /v1/escalations/{sid}/messages",
		tracingMiddleware(
			middleware.Metrics(
				http.HandlerFunc(escalationsHandler.Message),
			),
		),
	)

	// CORS middleware for all routes (development friendly)
	corsHandler := middleware.CORS(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:      corsHandler,
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Metrics listener stays separate so scrapes never queue behind chat.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: metricsMux,
	}

	go func() {
		logger.Info("Metrics server starting", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Hot-reload tuning knobs when running from a config file.
	if cfgPath := os.Getenv("CONFIG_PATH"); cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
			if level, err := zapcore.ParseLevel(next.Logging.Level); err == nil {
				logLevel.SetLevel(level)
			}
			logger.Info("Runtime settings applied", zap.String("log_level", next.Logging.Level))
		}, logger)
		if err != nil {
			logger.Warn("Failed to create config watcher", zap.Error(err))
		} else if err := watcher.Start(); err != nil {
			logger.Warn("Failed to start config watcher", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	go func() {
		logger.Info("supportd starting",
			zap.Int("port", cfg.Service.Port),
			zap.Bool("postgres", pg != nil),
			zap.Bool("vector", vector.Enabled()),
			zap.Bool("llm", completions != nil),
			zap.Bool("notifications", notifier.Enabled()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("supportd shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server forced to shutdown", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}

	logger.Info("supportd stopped")
}

func breakerSettings(cfg config.CircuitBreakerConfig) circuitbreaker.Settings {
	return circuitbreaker.Settings{
		Enabled:          cfg.Enabled,
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		HalfOpenRequests: cfg.HalfOpenRequests,
	}
}
