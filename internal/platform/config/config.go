package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	strutil "payguard/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	AdminTokens     []string
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the PostgreSQL pool. An empty URL selects the
// in-memory stores, which is only suitable for local development.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the outbox transport. No brokers means events are
// published to the in-process transport and logged.
type KafkaConfig struct {
	Brokers            []string
	TopicPrefix        string
	ConsumerGroup      string
	Partitions         int32
	Replication        int16
	ConsumeMaxAttempts int
}

type StripeConfig struct {
	SecretKey      string
	RequestsPerSec float64
	Burst          int
	CallTimeout    time.Duration
}

type AuthConfig struct {
	JWTSigningKey string
	JWTIssuer     string
	JWTLeeway     time.Duration
}

// WebhookConfig configures ingestion and the retry engine.
type WebhookConfig struct {
	// Secrets maps tenant id to its signing secret.
	Secrets map[string]string
	// MasterSecret derives secrets for tenants missing from Secrets.
	MasterSecret string
	Tolerance    time.Duration
	MaxAttempts  int
	Jitter       float64
	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	SourceModule string
	Version      string
}

type IdempotencyConfig struct {
	// Backend is one of "postgres", "redis" or "memory".
	Backend       string
	TTL           time.Duration
	PurgeInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Config aggregates every section; main passes sections to constructors.
type Config struct {
	Server      Server
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Stripe      StripeConfig
	Auth        AuthConfig
	Webhooks    WebhookConfig
	Outbox      OutboxConfig
	Idempotency IdempotencyConfig
	Log         LogConfig
}

// DefaultIdempotencyTTL is how long cached responses are replayable.
const DefaultIdempotencyTTL = 30 * 24 * time.Hour

// FromEnv builds the configuration from environment variables so main stays
// lean. A .env file in the working directory is loaded first when present.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	secrets, err := parseSecrets(os.Getenv("WEBHOOK_SECRETS"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: Server{
			Addr:            getString("PAYGUARD_ADDR", ":8080"),
			AdminTokens:     splitList(os.Getenv("ADMIN_TOKENS")),
			WriteTimeout:    getDuration("HTTP_WRITE_TIMEOUT", 45*time.Second),
			ShutdownTimeout: getDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			MigrateOnStart:  getBool("DATABASE_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:            splitList(os.Getenv("KAFKA_BROKERS")),
			TopicPrefix:        getString("KAFKA_TOPIC_PREFIX", "payguard"),
			ConsumerGroup:      getString("KAFKA_CONSUMER_GROUP", "payguard"),
			Partitions:         int32(getInt("KAFKA_PARTITIONS", 3)),
			Replication:        int16(getInt("KAFKA_REPLICATION", 1)),
			ConsumeMaxAttempts: getInt("KAFKA_CONSUME_MAX_ATTEMPTS", 3),
		},
		Stripe: StripeConfig{
			SecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
			RequestsPerSec: getFloat("STRIPE_RPS", 25),
			Burst:          getInt("STRIPE_BURST", 50),
			CallTimeout:    getDuration("STRIPE_CALL_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			JWTSigningKey: getString("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     getString("JWT_ISSUER", "payguard"),
			JWTLeeway:     getDuration("JWT_LEEWAY", 30*time.Second),
		},
		Webhooks: WebhookConfig{
			Secrets:      secrets,
			MasterSecret: os.Getenv("WEBHOOK_MASTER_SECRET"),
			Tolerance:    getDuration("WEBHOOK_TOLERANCE", 300*time.Second),
			MaxAttempts:  getInt("WEBHOOK_MAX_ATTEMPTS", 5),
			Jitter:       getFloat("WEBHOOK_RETRY_JITTER", 0.1),
			PollInterval: getDuration("RETRY_POLL_INTERVAL", 10*time.Second),
			BatchSize:    getInt("RETRY_BATCH_SIZE", 10),
			StaleAfter:   getDuration("WEBHOOK_STALE_AFTER", 5*time.Minute),
		},
		Outbox: OutboxConfig{
			PollInterval: getDuration("OUTBOX_POLL_INTERVAL", time.Second),
			BatchSize:    getInt("OUTBOX_BATCH_SIZE", 100),
			SourceModule: getString("OUTBOX_SOURCE_MODULE", "payments"),
			Version:      getString("SERVICE_VERSION", "0.1.0"),
		},
		Idempotency: IdempotencyConfig{
			Backend:       getString("IDEMPOTENCY_BACKEND", "postgres"),
			TTL:           getDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
			PurgeInterval: getDuration("IDEMPOTENCY_PURGE_INTERVAL", time.Hour),
		},
		Log: LogConfig{
			Level:  getString("LOG_LEVEL", "info"),
			Format: getString("LOG_FORMAT", "json"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Idempotency.Backend {
	case "postgres", "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("IDEMPOTENCY_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown IDEMPOTENCY_BACKEND %q", c.Idempotency.Backend)
	}
	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.Webhooks.Jitter < 0 || c.Webhooks.Jitter >= 1 {
		return fmt.Errorf("WEBHOOK_RETRY_JITTER must be in [0,1)")
	}
	if c.Webhooks.BatchSize < 1 || c.Outbox.BatchSize < 1 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.Kafka.ConsumeMaxAttempts < 1 {
		return fmt.Errorf("KAFKA_CONSUME_MAX_ATTEMPTS must be at least 1")
	}
	if c.Idempotency.PurgeInterval <= 0 {
		return fmt.Errorf("IDEMPOTENCY_PURGE_INTERVAL must be positive")
	}
	if c.Webhooks.PollInterval <= 0 || c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	return nil
}

// parseSecrets reads "tenant=secret,tenant2=secret2".
func parseSecrets(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(raw) {
		tenant, secret, ok := strings.Cut(pair, "=")
		if !ok || tenant == "" || secret == "" {
			return nil, fmt.Errorf("invalid WEBHOOK_SECRETS entry %q", pair)
		}
		out[tenant] = secret
	}
	return out, nil
}

func splitList(raw string) []string {
	return strutil.SplitList(raw)
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
