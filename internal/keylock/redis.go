package keylock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("keylock: lock wait exceeded")

// RedisConfig controls the redis client and lock behavior. Zero values get
// conservative defaults.
type RedisConfig struct {
	Addr string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration

	// TTL bounds how long a crashed holder can block a key.
	TTL time.Duration
	// RetryInterval is the poll period while waiting for a held key.
	RetryInterval time.Duration
	// MaxWait bounds a single Lock call when ctx has no deadline.
	MaxWait   time.Duration
	KeyPrefix string
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	if out.TTL <= 0 {
		out.TTL = 10 * time.Second
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = 25 * time.Millisecond
	}
	if out.MaxWait <= 0 {
		out.MaxWait = 5 * time.Second
	}
	if out.KeyPrefix == "" {
		out.KeyPrefix = "telecare:lock:"
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var releaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = holder token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every instance connected to the same Redis.
// Locks expire after TTL so a crashed holder cannot wedge a key.
type Redis struct {
	rdb *redis.Client
	cfg RedisConfig
	log *slog.Logger
}

func NewRedis(rdb *redis.Client, cfg RedisConfig, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, cfg: cfg.withDefaults(), log: log}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.MaxWait)
		defer cancel()
	}

	fullKey := r.cfg.KeyPrefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.rdb.SetNX(ctx, fullKey, token, r.cfg.TTL).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return r.unlockFunc(fullKey, token), nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlockFunc(fullKey, token string) func() {
	return func() {
		// Release must succeed even when the caller's ctx is already done.
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()
		if err := releaseScript.Run(ctx, r.rdb, []string{fullKey}, token).Err(); err != nil {
			r.log.Warn("keylock release failed", "key", fullKey, "err", err)
		}
	}
}
