// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageS3       = "s3"
	StorageMinIO    = "minio"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Broker adapters.
const (
	BrokerMemory = "memory"
	BrokerKafka  = "kafka"
	BrokerRedis  = "redis"
	BrokerNone   = "none"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Storage settings.
	StorageBackend   string
	StorageBucket    string
	StorageRegion    string
	StorageEndpoint  string // MinIO or S3-compatible host:port; empty targets AWS
	StorageAccessKey string
	StorageSecretKey string
	StorageUseTLS    bool
	DatabaseURL      string // postgres backend
	SQLitePath       string // sqlite backend

	// Broker settings.
	Broker                string
	KafkaBootstrapServers []string
	ConsumerGroup         string
	TopicPrefix           string
	RedisURL              string // redis broker and shared rate limiting

	// Pipeline settings.
	Workers           int
	GracePeriod       time.Duration
	StoreRetries      int
	StoreRetryDelay   time.Duration
	DeadLetter        bool
	ReconnectMaxDelay time.Duration

	// Enrichment settings.
	EnrichURL       string // empty disables the enrichment webhook
	EnrichAPIKey    string
	EnrichTimeout   time.Duration
	EnrichQueueSize int
	EnrichWorkers   int

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // must match the chosen model's output
	OllamaURL           string
	OllamaModel         string

	// Vector index settings.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Auth settings. Auth is off when neither key list is set.
	APIKeys           string // comma list of "client:key" or bare keys
	APIKeyHashes      string // comma list of "client:argon2id$salt$hash"
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiration     time.Duration

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed value is reported, not just the first.
func Load() (Config, error) {
	var l loader
	cfg := Config{
		Port:                l.int("GTM_PORT", 8080),
		ReadTimeout:         l.duration("GTM_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        l.duration("GTM_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(l.int("GTM_MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		StorageBackend:   strings.ToLower(envStr("GTM_STORAGE_BACKEND", StorageMemory)),
		StorageBucket:    envStr("GTM_STORAGE_BUCKET", "gtm-data-lake"),
		StorageRegion:    envStr("GTM_STORAGE_REGION", "us-west-2"),
		StorageEndpoint:  envStr("GTM_STORAGE_ENDPOINT", ""),
		StorageAccessKey: envStr("GTM_STORAGE_ACCESS_KEY", ""),
		StorageSecretKey: envStr("GTM_STORAGE_SECRET_KEY", ""),
		StorageUseTLS:    l.bool("GTM_STORAGE_USE_TLS", true),
		DatabaseURL:      envStr("DATABASE_URL", ""),
		SQLitePath:       envStr("GTM_SQLITE_PATH", "gtmlake.db"),

		Broker:                strings.ToLower(envStr("GTM_BROKER", BrokerMemory)),
		KafkaBootstrapServers: splitList(envStr("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092")),
		ConsumerGroup:         envStr("GTM_CONSUMER_GROUP", "gtm-data-lake-group"),
		TopicPrefix:           envStr("GTM_TOPIC_PREFIX", "gtm"),
		RedisURL:              envStr("REDIS_URL", ""),

		Workers:           l.int("GTM_WORKERS", 3),
		GracePeriod:       l.duration("GTM_GRACE_PERIOD", 10*time.Second),
		StoreRetries:      l.int("GTM_STORE_RETRIES", 3),
		StoreRetryDelay:   l.duration("GTM_STORE_RETRY_DELAY", 200*time.Millisecond),
		DeadLetter:        l.bool("GTM_DEAD_LETTER", true),
		ReconnectMaxDelay: l.duration("GTM_RECONNECT_MAX_DELAY", 30*time.Second),

		EnrichURL:       envStr("GTM_ENRICH_URL", ""),
		EnrichAPIKey:    envStr("GTM_ENRICH_API_KEY", ""),
		EnrichTimeout:   l.duration("GTM_ENRICH_TIMEOUT", 20*time.Second),
		EnrichQueueSize: l.int("GTM_ENRICH_QUEUE_SIZE", 1000),
		EnrichWorkers:   l.int("GTM_ENRICH_WORKERS", 2),

		EmbeddingProvider:   strings.ToLower(envStr("GTM_EMBEDDING_PROVIDER", "auto")),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:      envStr("GTM_EMBEDDING_MODEL", ""),
		EmbeddingDimensions: l.int("GTM_EMBEDDING_DIMENSIONS", 1024),
		OllamaURL:           envStr("OLLAMA_URL", ""),
		OllamaModel:         envStr("OLLAMA_MODEL", "mxbai-embed-large"),

		QdrantURL:        envStr("QDRANT_URL", ""),
		QdrantAPIKey:     envStr("QDRANT_API_KEY", ""),
		QdrantCollection: envStr("GTM_QDRANT_COLLECTION", "gtm-embeddings"),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "gtmlake"),
		OTELInsecure: l.bool("GTM_OTEL_INSECURE", false),

		APIKeys:           envStr("GTM_API_KEYS", ""),
		APIKeyHashes:      envStr("GTM_API_KEY_HASHES", ""),
		JWTPrivateKeyPath: envStr("GTM_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("GTM_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     l.duration("GTM_JWT_EXPIRATION", time.Hour),

		RateLimitEnabled: l.bool("GTM_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     l.float("GTM_RATE_LIMIT_RPS", 50),
		RateLimitBurst:   l.int("GTM_RATE_LIMIT_BURST", 100),

		LogLevel: strings.ToLower(envStr("GTM_LOG_LEVEL", "info")),
	}

	if err := errors.Join(l.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AuthEnabled reports whether any API key is configured.
func (c Config) AuthEnabled() bool {
	return strings.TrimSpace(c.APIKeys) != "" || strings.TrimSpace(c.APIKeyHashes) != ""
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: GTM_PORT must be between 1 and 65535"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: GTM_MAX_REQUEST_BODY_BYTES must be positive"))
	}

	switch c.StorageBackend {
	case StorageMemory:
	case StorageS3, StorageMinIO:
		if c.StorageBucket == "" {
			errs = append(errs, fmt.Errorf("config: GTM_STORAGE_BUCKET is required for %s storage", c.StorageBackend))
		}
		if c.StorageBackend == StorageMinIO && c.StorageEndpoint == "" {
			errs = append(errs, fmt.Errorf("config: GTM_STORAGE_ENDPOINT is required for minio storage"))
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("config: DATABASE_URL is required for postgres storage"))
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("config: GTM_SQLITE_PATH is required for sqlite storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown GTM_STORAGE_BACKEND %q", c.StorageBackend))
	}

	switch c.Broker {
	case BrokerMemory, BrokerNone:
	case BrokerKafka:
		if len(c.KafkaBootstrapServers) == 0 {
			errs = append(errs, fmt.Errorf("config: KAFKA_BOOTSTRAP_SERVERS is required for the kafka broker"))
		}
	case BrokerRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("config: REDIS_URL is required for the redis broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown GTM_BROKER %q", c.Broker))
	}
	if c.ConsumerGroup == "" {
		errs = append(errs, fmt.Errorf("config: GTM_CONSUMER_GROUP must not be empty"))
	}
	if c.TopicPrefix == "" {
		errs = append(errs, fmt.Errorf("config: GTM_TOPIC_PREFIX must not be empty"))
	}

	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("config: GTM_WORKERS must be positive"))
	}
	if c.StoreRetries < 0 {
		errs = append(errs, fmt.Errorf("config: GTM_STORE_RETRIES must not be negative"))
	}
	if c.EnrichQueueSize <= 0 || c.EnrichWorkers <= 0 {
		errs = append(errs, fmt.Errorf("config: GTM_ENRICH_QUEUE_SIZE and GTM_ENRICH_WORKERS must be positive"))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("config: GTM_EMBEDDING_DIMENSIONS must be positive"))
	}
	switch c.EmbeddingProvider {
	case "auto", "openai", "ollama", "noop":
	default:
		errs = append(errs, fmt.Errorf("config: unknown GTM_EMBEDDING_PROVIDER %q", c.EmbeddingProvider))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, fmt.Errorf("config: GTM_JWT_PRIVATE_KEY and GTM_JWT_PUBLIC_KEY must be set together"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("config: GTM_RATE_LIMIT_RPS and GTM_RATE_LIMIT_BURST must be positive"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unknown GTM_LOG_LEVEL %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// loader collects parse errors so Load can report all of them at once.
type loader struct {
	errs []error
}

func (l *loader) int(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s=%q is not a valid integer", key, v))
		return defaultVal
	}
	return n
}

func (l *loader) float(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s=%q is not a valid number", key, v))
		return defaultVal
	}
	return f
}

func (l *loader) bool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s=%q is not a valid boolean", key, v))
		return defaultVal
	}
	return b
}

func (l *loader) duration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s=%q is not a valid duration", key, v))
		return defaultVal
	}
	return d
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
