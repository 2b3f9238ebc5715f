package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

var (
	redisDegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_degraded_mode",
		Help: "1 while the last Redis health check failed",
	})
	redisHealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_health_check_total",
		Help: "Redis health checks by result",
	}, []string{"result"})
)

// ErrRedisDegraded is returned instead of touching Redis while it is unhealthy
var ErrRedisDegraded = errors.New("redis is in degraded mode")

// RedisClient wraps a go-redis client. After a failed health check every
// Safe* call fails fast with ErrRedisDegraded until a check succeeds again,
// so callers fall back instead of waiting on timeouts.
type RedisClient struct {
	Client   *redis.Client
	degraded atomic.Bool
	checkMu  sync.Mutex
}

// NewRedisDB builds the client; nothing is dialled until first use
func NewRedisDB(cfg *RedisConfig) *RedisClient {
	return &RedisClient{Client: redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})}
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// IsDegraded reports whether the last health check failed
func (r *RedisClient) IsDegraded() bool {
	return r.degraded.Load()
}

func (r *RedisClient) setDegraded(degraded bool) {
	if r.degraded.Swap(degraded) == degraded {
		return
	}
	if degraded {
		redisDegradedMode.Set(1)
		logger.Warn("Redis entered degraded mode")
		return
	}
	redisDegradedMode.Set(0)
	logger.Info("Redis recovered from degraded mode")
}

// HealthCheck pings Redis and flips degraded mode accordingly
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.checkMu.Lock()
	defer r.checkMu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(pingCtx).Err(); err != nil {
		r.setDegraded(true)
		redisHealthChecks.WithLabelValues("failure").Inc()
		return fmt.Errorf("redis health check failed: %w", err)
	}
	r.setDegraded(false)
	redisHealthChecks.WithLabelValues("success").Inc()
	return nil
}

// WatchHealth runs HealthCheck every interval until ctx is done
func (r *RedisClient) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.HealthCheck(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Redis health check failed", zap.Error(err))
			}
		}
	}
}

func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", ErrRedisDegraded)
	}
	return r.Client.Get(ctx, key)
}

func (r *RedisClient) SafeSet(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", ErrRedisDegraded)
	}
	return r.Client.Set(ctx, key, value, ttl)
}

func (r *RedisClient) SafeExists(ctx context.Context, key string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrRedisDegraded)
	}
	return r.Client.Exists(ctx, key)
}

func (r *RedisClient) SafePublish(ctx context.Context, channel string, message any) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrRedisDegraded)
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe returns nil while degraded
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Subscribe(ctx, channels...)
}

// SafeAddToSet adds members to the set at key and refreshes its TTL in one
// transaction
func (r *RedisClient) SafeAddToSet(ctx context.Context, key string, ttl time.Duration, members ...any) error {
	if r.IsDegraded() {
		return ErrRedisDegraded
	}
	pipe := r.Client.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisClient) SafeSMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult(nil, ErrRedisDegraded)
	}
	return r.Client.SMembers(ctx, key)
}

// SafeIncrWindow increments a fixed-window counter and returns the new
// count. The key expires with the window it was first created in.
func (r *RedisClient) SafeIncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if r.IsDegraded() {
		return 0, ErrRedisDegraded
	}
	pipe := r.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return incr.Val(), nil
}
