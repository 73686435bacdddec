package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/payrecon/internal/callback"
	"github.com/noah-isme/payrecon/internal/common"
	"github.com/noah-isme/payrecon/internal/config"
	"github.com/noah-isme/payrecon/internal/events"
	"github.com/noah-isme/payrecon/internal/gateway"
	"github.com/noah-isme/payrecon/internal/health"
	"github.com/noah-isme/payrecon/internal/lock"
	"github.com/noah-isme/payrecon/internal/obs"
	"github.com/noah-isme/payrecon/internal/payment"
	"github.com/noah-isme/payrecon/internal/queue"
	"github.com/noah-isme/payrecon/internal/recon"
	"github.com/noah-isme/payrecon/internal/resilience"
	"github.com/noah-isme/payrecon/internal/store"
)

func main() {
	cfg := config.MustLoad()

	logger := obs.NewLogger(envOrDefault("OBS_LOG_FORMAT", "json"), envOrDefault("OBS_LOG_LEVEL", "info")).
		With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "payrecon")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "payrecon-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer st.Close()

	redisClient := mustInitRedis(ctx, cfg, logger, metricsEnabled)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	gatewayClient := newGatewayClient(cfg, logger)

	bus := events.NewBus(st.Events(), logger)
	defer bus.Close()
	events.SubscribePaymentLog(bus, logger)

	engine := &recon.Engine{
		Orders:   st.Orders(),
		Records:  st.Records(),
		Sessions: st.Sessions(),
		Locker:   lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		Events:   bus,
		LockTTL:  cfg.ReconcileLockTTL,
		Logger:   logger,
	}

	paymentSvc := &payment.Service{
		Gateway:       gatewayClient,
		Orders:        st.Orders(),
		Sessions:      st.Sessions(),
		Records:       st.Records(),
		Scheduler:     queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL},
		PublicBaseURL: cfg.PublicBaseURL,
		MaxPollRuns:   cfg.QueueMaxAttempts,
		Logger:        logger,
	}
	paymentHandler := payment.NewHandler(paymentSvc)

	callbackHandler := &callback.Handler{
		Gateway:       gatewayClient,
		Engine:        engine,
		Orders:        st.Orders(),
		R:             redisClient,
		ReplayTTL:     cfg.CallbackReplayTTL,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger,
	}

	healthHandler := health.Handler{Checker: health.Deps{Pool: st.Pool, Redis: redisClient}}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, obs.ParseBucketsCSV(envOrDefault("OBS_HTTP_BUCKETS_MS", "")), nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}
	r.Route("/api/v1/payments", func(p chi.Router) {
		p.With(idem.Middleware).Post("/initiate", paymentHandler.Initiate)
		p.Get("/{merchantTxnID}/status", paymentHandler.Status)
	})
	r.Mount("/callbacks/phonepe", callbackHandler.Routes())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func newGatewayClient(cfg *config.Config, logger zerolog.Logger) *gateway.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	return &gateway.Client{
		MerchantID: cfg.GatewayMerchantID,
		Salt:       cfg.GatewaySalt,
		SaltIndex:  cfg.GatewaySaltIndex,
		BaseURL:    cfg.GatewayBaseURL(),
		HTTP: &resilience.HTTPClient{
			Client: &http.Client{Transport: transport},
			Breaker: resilience.NewBreaker(cfg.CircuitGatewayMinReq, cfg.CircuitGatewayFailureRate, cfg.CircuitGatewayOpenFor).
				WithTarget("phonepe").
				WithLogger(logger),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 2,
			Jitter:      0.2,
			Timeout:     cfg.OutboundTimeout,
		},
		Logger: logger,
	}
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metricsEnabled bool) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
