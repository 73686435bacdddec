package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payrecon/internal/resilience"
)

// KindPollStatus is the task kind for background status poll runs.
const KindPollStatus = "poll-status"

// PollTask is the payload of a poll-status task, enqueued at initiate time.
type PollTask struct {
	MerchantTxnID string `json:"merchant_txn_id"`
	OrderID       string `json:"order_id"`
}

// Task is one unit of asynchronous work.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	Attempt        int
	MaxAttempts    int
	Delay          time.Duration
}

type message struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}

// Enqueuer publishes tasks onto a Redis sorted-set queue scored by their
// availability time. An idempotency key deduplicates enqueues within the
// configured window, so double-submitting an initiate request schedules only
// one poll run.
type Enqueuer struct {
	R        *redis.Client
	Prefix   string
	DedupTTL time.Duration
}

// EnqueuePoll schedules a poll run for one merchant transaction.
func (e Enqueuer) EnqueuePoll(ctx context.Context, t PollTask, delay time.Duration, maxAttempts int) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return e.Enqueue(ctx, Task{
		Kind:           KindPollStatus,
		Payload:        payload,
		IdempotencyKey: t.MerchantTxnID,
		MaxAttempts:    maxAttempts,
		Delay:          delay,
	})
}

// Enqueue inserts the task. A duplicate idempotency key within the dedup
// window is silently dropped.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	if t.Kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := message{
		Kind:        t.Kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 5
	}

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, dedupKey(e.Prefix, t.Kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, queueKey(e.Prefix, t.Kind), redis.Z{
		Score:  float64(msg.AvailableAt),
		Member: raw,
	}).Err()
}

// Worker consumes one task kind. Claimed tasks move to a processing set
// scored by their visibility deadline; a reaper loop requeues entries whose
// deadline passed so a crashed worker never loses a task.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	RetryBase         time.Duration
	RetryJitter       float64
	Handler           func(context.Context, Task) error
	Logger            zerolog.Logger
}

const idleWait = 100 * time.Millisecond

// Run processes tasks until the context is cancelled.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	if w.Kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	qKey := queueKey(w.Prefix, w.Kind)
	pKey := processingKey(w.Prefix, w.Kind)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	reaper := time.NewTicker(time.Second)
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-reaper.C:
			if err := w.requeueExpired(ctx, pKey, qKey); err != nil {
				w.Logger.Error().Err(err).Msg("requeue expired tasks failed")
			}
			w.gauge(ctx, qKey)
		default:
		}

		raw, msg, ok, err := w.claim(ctx, qKey, pKey, visibility)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				wg.Wait()
				return nil
			}
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			case <-time.After(idleWait):
			}
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m message) {
			defer func() { <-sem }()
			defer wg.Done()
			w.process(ctx, qKey, pKey, raw, m, retryBase)
		}(raw, msg)
	}
}

// claim fetches the first due task and atomically removes it from the ready
// set. A concurrent worker removing the same member first simply wins the
// claim; we retry on the next loop.
func (w Worker) claim(ctx context.Context, qKey, pKey string, visibility time.Duration) (string, message, bool, error) {
	now := time.Now().UnixNano()
	members, err := w.R.ZRangeByScore(ctx, qKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", message{}, false, err
	}
	if len(members) == 0 {
		return "", message{}, false, nil
	}
	raw := members[0]

	removed, err := w.R.ZRem(ctx, qKey, raw).Result()
	if err != nil {
		return "", message{}, false, err
	}
	if removed == 0 {
		return "", message{}, false, nil
	}

	msg, err := decode(raw)
	if err != nil {
		w.Logger.Error().Err(err).Msg("drop undecodable task")
		return "", message{}, false, nil
	}
	msg.Attempt++
	claimed, err := json.Marshal(msg)
	if err != nil {
		return "", message{}, false, err
	}
	deadline := time.Now().Add(visibility).UnixNano()
	if err := w.R.ZAdd(ctx, pKey, redis.Z{Score: float64(deadline), Member: claimed}).Err(); err != nil {
		return "", message{}, false, err
	}
	return string(claimed), msg, true, nil
}

func (w Worker) process(ctx context.Context, qKey, pKey, raw string, msg message, retryBase time.Duration) {
	task := Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		Attempt:        msg.Attempt,
		MaxAttempts:    msg.MaxAttempts,
	}
	err := w.Handler(ctx, task)
	if err == nil {
		_ = w.R.ZRem(ctx, pKey, raw).Err()
		if msg.Key != "" {
			_ = w.R.Del(ctx, dedupKey(w.Prefix, w.Kind, msg.Key)).Err()
		}
		ProcessedTotal.WithLabelValues(w.Kind, "ok").Inc()
		return
	}

	_ = w.R.ZRem(ctx, pKey, raw).Err()
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		w.Logger.Error().Err(err).
			Str("kind", msg.Kind).
			Int("attempt", msg.Attempt).
			Msg("task exhausted retries, moving to dlq")
		if encoded, mErr := json.Marshal(msg); mErr == nil {
			_ = w.R.LPush(ctx, dlqKey(w.Prefix, w.Kind), encoded).Err()
		}
		if msg.Key != "" {
			_ = w.R.Del(ctx, dedupKey(w.Prefix, w.Kind, msg.Key)).Err()
		}
		ProcessedTotal.WithLabelValues(w.Kind, "dead").Inc()
		return
	}

	delay := resilience.Backoff(retryBase, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	if encoded, mErr := json.Marshal(msg); mErr == nil {
		_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	w.Logger.Warn().Err(err).
		Str("kind", msg.Kind).
		Int("attempt", msg.Attempt).
		Dur("retry_in", delay).
		Msg("task failed, retrying")
	ProcessedTotal.WithLabelValues(w.Kind, "retry").Inc()
}

func (w Worker) requeueExpired(ctx context.Context, pKey, qKey string) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	due, err := w.R.ZRangeByScore(ctx, pKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		removed, err := w.R.ZRem(ctx, pKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decode(raw)
		if err != nil {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		if encoded, mErr := json.Marshal(msg); mErr == nil {
			_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
		}
	}
	return nil
}

func (w Worker) gauge(ctx context.Context, qKey string) {
	if n, err := w.R.ZCard(ctx, qKey).Result(); err == nil {
		Depth.WithLabelValues(w.Kind).Set(float64(n))
	}
	if n, err := w.R.LLen(ctx, dlqKey(w.Prefix, w.Kind)).Result(); err == nil {
		DLQSize.WithLabelValues(w.Kind).Set(float64(n))
	}
}

func decode(raw string) (message, error) {
	var msg message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return message{}, err
	}
	return msg, nil
}

func queueKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s", kind)
	}
	return fmt.Sprintf("%s:queue:%s", prefix, kind)
}

func processingKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:processing", kind)
	}
	return fmt.Sprintf("%s:queue:%s:processing", prefix, kind)
}

func dlqKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:dlq", kind)
	}
	return fmt.Sprintf("%s:queue:%s:dlq", prefix, kind)
}

func dedupKey(prefix, kind, key string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:dedup:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", prefix, kind, key)
}
