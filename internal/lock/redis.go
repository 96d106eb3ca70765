package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type RedisOption func(*RedisLocker)

// WithTTL bounds how long a crashed holder can block a destination.
func WithTTL(d time.Duration) RedisOption { return func(l *RedisLocker) { l.ttl = d } }

// WithRetry sets the poll interval while waiting for a held key.
func WithRetry(d time.Duration) RedisOption { return func(l *RedisLocker) { l.retry = d } }

func WithRedisLogger(lg *slog.Logger) RedisOption { return func(l *RedisLocker) { l.logger = lg } }

// RedisLocker is a Locker shared by every process pointing at one Redis.
type RedisLocker struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client goredis.Cmdable, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "outreach:lock:",
		ttl:    30 * time.Second,
		retry:  25 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	t := time.NewTicker(l.retry)
	defer t.Stop()
	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release must outlive a cancelled caller context
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := releaseScript.Run(rctx, l.client, []string{k}, token).Err()
			if err != nil && !errors.Is(err, goredis.Nil) {
				l.logger.Warn("lock release", slog.String("key", key), slog.Any("err", err))
			}
		})
	}, nil
}
