package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration. Values come from the
// environment so main stays lean; every field has a development default.
type Config struct {
	Addr        string
	DatabaseURL string // empty means the in-memory store
	Redis       RedisConfig
	Kafka       KafkaConfig

	// ResolveRetries bounds how many times a resolution is replayed after a
	// serialization conflict before the call surfaces a transient failure.
	ResolveRetries int

	// ViewCacheTTL bounds staleness of cached consolidated views.
	ViewCacheTTL time.Duration
}

// RedisConfig configures the optional consolidated-view cache.
type RedisConfig struct {
	URL          string // empty means caching disabled
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the optional audit trail sink.
type KafkaConfig struct {
	Brokers    []string // empty means audit events stay in process memory
	AuditTopic string
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	cfg := Config{
		Addr:           envOr("RECONCILE_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ResolveRetries: envIntOr("RECONCILE_RESOLVE_RETRIES", 3),
		ViewCacheTTL:   envDurationOr("RECONCILE_VIEW_CACHE_TTL", 30*time.Second),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			AuditTopic: envOr("RECONCILE_AUDIT_TOPIC", "identity.audit"),
		},
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
