package onboarding

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	dErrors "keel/pkg/domain-errors"
)

var redisGetDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "keel_onboarding_redis_get_duration_ms",
	Help:    "Latency of onboarding flag reads in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
})

const (
	userKeyPrefix = "onboarding:user:"
	legacyKey     = "onboarding:legacy"
)

// RedisStore shares onboarding flags across devices through Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed flag store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, userID string) (bool, error) {
	start := time.Now()
	defer func() {
		redisGetDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	val, err := s.client.Get(ctx, userKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "read onboarding flag")
	}
	return val == "1", nil
}

func (s *RedisStore) Set(ctx context.Context, userID string, onboarded bool) error {
	val := "0"
	if onboarded {
		val = "1"
	}
	if err := s.client.Set(ctx, userKeyPrefix+userID, val, 0).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "write onboarding flag")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, userKeyPrefix+userID).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "delete onboarding flag")
	}
	return nil
}

func (s *RedisStore) LegacyGlobal(ctx context.Context) (bool, bool, error) {
	val, err := s.client.Get(ctx, legacyKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "read legacy onboarding slot")
	}
	return val == "1", true, nil
}

func (s *RedisStore) SetLegacyGlobal(ctx context.Context, value bool) error {
	val := "0"
	if value {
		val = "1"
	}
	if err := s.client.Set(ctx, legacyKey, val, 0).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "write legacy onboarding slot")
	}
	return nil
}

func (s *RedisStore) ClearLegacy(ctx context.Context) error {
	if err := s.client.Del(ctx, legacyKey).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "clear legacy onboarding slot")
	}
	return nil
}
