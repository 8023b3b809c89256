// Package main is the entry point for the pipetrace service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/engine"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/api"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/config"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/correlate"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/ingest"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/pipelinestore"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/validator"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting pipetrace",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
		slog.String("tracer_backend", cfg.TracerBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Span cache and tracer backend
	storage := spancache.New()
	provider, err := tracing.NewProvider(ctx, tracingConfig(cfg), storage, logger)
	if err != nil {
		logger.Error("failed to build tracer backend, spans are discarded", slog.Any("error", err))
		fallback := tracingConfig(cfg)
		fallback.Backend = tracing.BackendNone
		if provider, err = tracing.NewProvider(ctx, fallback, storage, logger); err != nil {
			logger.Error("failed to build tracer provider", slog.Any("error", err))
			os.Exit(1)
		}
	}
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(provider.Propagator())

	go storage.Run(ctx, cfg.CacheSweepInterval, cfg.CacheMaxAge, func(evicted, size int) {
		metrics.CacheEvictions.Add(float64(evicted))
		metrics.CacheSize.Set(float64(size))
		if evicted > 0 {
			logger.Info("span cache swept", slog.Int("evicted", evicted), slog.Int("size", size))
		}
	})

	// Correlators and ingestion
	registry := correlate.NewRegistry(provider, storage, logger)

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", slog.Any("error", err))
		// Continue without schema validation; envelopes are still checked
		// structurally.
		v = nil
	}
	dispatcher := ingest.NewDispatcher(registry, v, logger)

	// Redis carries events from remote engines and stores pipelines
	var sink ingest.Sink = dispatcher
	var store pipelinestore.Store = pipelinestore.NewMemoryStore()
	if cfg.IngestRedisEnabled {
		redisCfg := ingest.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.Channel = cfg.IngestRedisChannel

		client, err := ingest.NewRedisClient(ctx, redisCfg)
		if err != nil {
			logger.Error("failed to connect to Redis, ingesting over HTTP only", slog.Any("error", err))
		} else {
			defer client.Close()
			source := ingest.NewRedisSource(client, redisCfg.Channel, dispatcher, logger)
			go func() {
				if err := source.Run(ctx); err != nil {
					logger.Error("redis ingest stopped", slog.Any("error", err))
				}
			}()
			sink = ingest.NewRedisPublisher(client, redisCfg.Channel)
			store = pipelinestore.NewRedisStore(client)
			logger.Info("using Redis ingest", slog.String("url", cfg.RedisURL), slog.String("channel", redisCfg.Channel))
		}
	}
	defer store.Close()

	// Simulator
	stepDriver := driver.NewSubprocessDriver(&driver.SubprocessConfig{
		EnvPassthrough: map[string]string{
			"PIPETRACE_URL": "http://localhost:" + cfg.Port,
		},
	}, logger)
	engineCfg := engine.DefaultConfig()
	engineCfg.Slots = cfg.SimulatorSlots
	sim := engine.NewEngine(sink, stepDriver, registry, engineCfg, logger)

	logger.Info("simulator initialized", slog.Int("slots", engineCfg.Slots))

	// Authentication
	serverOpts := []api.ServerOption{}
	if cfg.OIDCEnabled {
		oidcProvider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			logger.Error("failed to initialize OIDC provider", slog.Any("error", err))
			os.Exit(1)
		}
		serverOpts = append(serverOpts, api.WithAuth(auth.NewMiddleware(oidcProvider, &auth.MiddlewareConfig{
			Enabled:     true,
			ErrorWriter: api.WriteAuthError,
		})))
		logger.Info("OIDC authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}
	if cfg.RateLimitRPS > 0 {
		limiter := auth.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, api.WriteAuthError)
		go limiter.Run(ctx, 5*time.Minute)
		serverOpts = append(serverOpts, api.WithRateLimiter(limiter))
	}

	// Initialize API handlers
	handlers := api.NewHandlers(api.Deps{
		Registry:   registry,
		Provider:   provider,
		Storage:    storage,
		Dispatcher: dispatcher,
		Engine:     sim,
		Pipelines:  store,
		Validator:  v,
		Config:     cfg,
		Logger:     logger,
	})
	server := api.NewServer(handlers, serverOpts...)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", slog.Any("error", err))
	}

	logger.Info("server stopped")
}

// tracingConfig maps the service configuration onto the initial tracer
// backend.
func tracingConfig(cfg *config.Config) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Backend = tracing.Backend(cfg.TracerBackend)
	tc.ServiceName = cfg.ServiceName
	tc.ServiceVersion = cfg.ServiceVersion
	tc.OTLPEndpoint = cfg.OTLPEndpoint
	tc.OTLPInsecure = cfg.OTLPInsecure
	tc.SampleRate = cfg.SampleRate
	tc.RootURL = cfg.BaseURL
	tc.UIURL = cfg.TraceUIURL
	tc.S3 = tracing.S3Config{
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		UseSSL:          cfg.S3UseSSL,
		PathPrefix:      cfg.S3PathPrefix,
	}
	return tc
}
