package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRetryBackoff = 50 * time.Millisecond

// Locker hands out Redis-backed mutexes keyed by merchant transaction id.
// The poller worker and the callback endpoints can both hold fresh gateway
// outcomes for the same transaction; whoever acquires the key applies first
// and the loser re-reads an already-final record.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
}

// WithLock runs fn while holding the lock for key, releasing it afterwards
// regardless of fn's outcome. Contenders spin with a fixed backoff until the
// context is cancelled.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	token := uuid.NewString()
	if err := l.acquire(ctx, key, token, ttl); err != nil {
		return err
	}
	defer l.release(context.Background(), key, token)
	return fn(ctx)
}

func (l Locker) acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		wait := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}
	}
}

// releaseScript deletes the key only while it still carries our token. A
// lock that expired and was re-acquired by another holder must survive.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

func (l Locker) release(ctx context.Context, key, token string) {
	err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err()
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown command") {
		_ = l.R.Del(ctx, key).Err()
	}
}
