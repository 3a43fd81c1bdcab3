package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration. Built from environment
// variables so main stays lean; a .env file is loaded by main in development.
type Server struct {
	Addr          string
	JWTSigningKey string

	// StoreTimeout bounds every store call; expiry surfaces as UNAVAILABLE.
	StoreTimeout time.Duration
	// ResubmissionLimit caps PAV REJECTED -> PENDING reopenings per location.
	ResubmissionLimit int

	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
}

// PostgresConfig holds the record store connection settings. An empty URL
// selects the in-memory store.
type PostgresConfig struct {
	URL          string
	MaxOpenConns int
}

// RedisConfig holds settings for the blob-index client. An empty URL disables
// blob existence checks against redis (tests use the in-memory index).
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig holds the notification publisher settings. Empty brokers select
// the log-only notifier.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	addr := os.Getenv("CANOPY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Development default - must be overridden in production.
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	cfg := Server{
		Addr:              addr,
		JWTSigningKey:     jwtSigningKey,
		StoreTimeout:      envDuration("CANOPY_STORE_TIMEOUT", 5*time.Second),
		ResubmissionLimit: envInt("CANOPY_RESUBMISSION_LIMIT", 3),
		Postgres: PostgresConfig{
			URL:          os.Getenv("CANOPY_POSTGRES_URL"),
			MaxOpenConns: envInt("CANOPY_POSTGRES_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("CANOPY_REDIS_URL"),
			PoolSize:     envInt("CANOPY_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("CANOPY_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("CANOPY_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("CANOPY_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("CANOPY_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Topic: envString("CANOPY_KAFKA_TOPIC", "canopy.protocol.events"),
		},
	}
	if brokers := os.Getenv("CANOPY_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitCSV(brokers)
	}
	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
