package config

import (
	"os"
	"strconv"
	"time"
)

// App captures process-level configuration for the orchestrator. Values come
// from KEEL_* environment variables so main stays lean.
type App struct {
	Addr string

	// Scheme is the custom deep-link scheme the app registers, e.g. "keel"
	// produces redirect URLs like keel://callback.
	Scheme string

	// OnboardingStore selects the persisted flag backend: memory, redis
	// or postgres.
	OnboardingStore string

	Redis    RedisConfig
	Postgres PostgresConfig

	// Kafka brokers for the optional audit emitter; empty disables it.
	KafkaBrokers string
	AuditTopic   string

	// ReplaceLockWindow is the navigation debounce window.
	ReplaceLockWindow time.Duration
}

// RedisConfig mirrors the connection knobs the redis client wrapper applies.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig holds the DSN for the onboarding flag store.
type PostgresConfig struct {
	DSN string
}

// FromEnv builds an App config from environment variables.
func FromEnv() App {
	return App{
		Addr:            envOr("KEEL_ADDR", ":8080"),
		Scheme:          envOr("KEEL_SCHEME", "keel"),
		OnboardingStore: envOr("KEEL_ONBOARDING_STORE", "memory"),
		Redis: RedisConfig{
			URL:          os.Getenv("KEEL_REDIS_URL"),
			PoolSize:     envInt("KEEL_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("KEEL_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("KEEL_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("KEEL_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("KEEL_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			DSN: os.Getenv("KEEL_POSTGRES_DSN"),
		},
		KafkaBrokers:      os.Getenv("KEEL_KAFKA_BROKERS"),
		AuditTopic:        envOr("KEEL_AUDIT_TOPIC", "keel.auth.audit"),
		ReplaceLockWindow: envDuration("KEEL_REPLACE_LOCK_WINDOW", 150*time.Millisecond),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
