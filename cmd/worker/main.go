package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/payrecon/internal/config"
	"github.com/noah-isme/payrecon/internal/events"
	"github.com/noah-isme/payrecon/internal/gateway"
	"github.com/noah-isme/payrecon/internal/lock"
	"github.com/noah-isme/payrecon/internal/obs"
	"github.com/noah-isme/payrecon/internal/poller"
	"github.com/noah-isme/payrecon/internal/queue"
	"github.com/noah-isme/payrecon/internal/recon"
	"github.com/noah-isme/payrecon/internal/resilience"
	"github.com/noah-isme/payrecon/internal/store"
)

func main() {
	cfg := config.MustLoad()

	logger := obs.NewLogger(envOrDefault("OBS_LOG_FORMAT", "json"), envOrDefault("OBS_LOG_LEVEL", "info")).
		With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "payrecon"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer st.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	gatewayClient := &gateway.Client{
		MerchantID: cfg.GatewayMerchantID,
		Salt:       cfg.GatewaySalt,
		SaltIndex:  cfg.GatewaySaltIndex,
		BaseURL:    cfg.GatewayBaseURL(),
		HTTP: &resilience.HTTPClient{
			Client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
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

	bus := events.NewBus(st.Events(), logger)
	defer bus.Close()
	events.SubscribePaymentLog(bus, logger)

	locker := lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff}
	engine := &recon.Engine{
		Orders:   st.Orders(),
		Records:  st.Records(),
		Sessions: st.Sessions(),
		Locker:   locker,
		Events:   bus,
		LockTTL:  cfg.ReconcileLockTTL,
		Logger:   logger,
	}
	statusPoller := &poller.Poller{
		Fetcher:   gatewayClient,
		Intervals: cfg.PollIntervals,
		Deadline:  cfg.PollDeadline,
		Logger:    logger,
	}

	// one poll run can hold its lock for the full deadline plus a final
	// reconcile, so the lock TTL must outlive it
	pollLockTTL := cfg.PollDeadline + time.Minute

	worker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              queue.KindPollStatus,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       cfg.QueueBackoffJitter,
		Logger:            logger,
		Handler: func(ctx context.Context, task queue.Task) error {
			var pt queue.PollTask
			if err := json.Unmarshal(task.Payload, &pt); err != nil {
				logger.Error().Err(err).Msg("drop malformed poll task")
				return nil
			}
			return locker.WithLock(ctx, "poll:lock:"+pt.MerchantTxnID, pollLockTTL, func(ctx context.Context) error {
				res := statusPoller.Run(ctx, pt.MerchantTxnID)
				if res.TimedOut {
					// still pending; the callback path stays authoritative
					if err := bus.Publish(ctx, events.TopicPollTimedOut, map[string]any{
						"merchant_txn_id": pt.MerchantTxnID,
						"order_id":        pt.OrderID,
						"attempts":        res.Attempts,
					}); err != nil {
						logger.Error().Err(err).Str("merchant_txn_id", pt.MerchantTxnID).Msg("publish poll timeout failed")
					}
					return nil
				}
				_, err := engine.Reconcile(ctx, res.Outcome)
				return err
			})
		},
	}

	logger.Info().Str("kind", queue.KindPollStatus).Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker exited unexpectedly")
	}
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
