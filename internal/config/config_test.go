package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StorageMemory, cfg.StorageBackend)
	assert.Equal(t, "gtm-data-lake", cfg.StorageBucket)
	assert.Equal(t, "us-west-2", cfg.StorageRegion)
	assert.True(t, cfg.StorageUseTLS)
	assert.Equal(t, BrokerMemory, cfg.Broker)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBootstrapServers)
	assert.Equal(t, "gtm-data-lake-group", cfg.ConsumerGroup)
	assert.Equal(t, "gtm", cfg.TopicPrefix)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.GracePeriod)
	assert.Equal(t, 3, cfg.StoreRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.StoreRetryDelay)
	assert.True(t, cfg.DeadLetter)
	assert.Equal(t, 1000, cfg.EnrichQueueSize)
	assert.Equal(t, 1024, cfg.EmbeddingDimensions)
	assert.Equal(t, "gtm-embeddings", cfg.QdrantCollection)
	assert.Equal(t, "gtmlake", cfg.ServiceName)
	assert.Equal(t, float64(50), cfg.RateLimitRPS)
	assert.Equal(t, 100, cfg.RateLimitBurst)
	assert.Equal(t, int64(4*1024*1024), cfg.MaxRequestBodyBytes)
	assert.Equal(t, time.Hour, cfg.JWTExpiration)
	assert.False(t, cfg.AuthEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GTM_PORT", "9090")
	t.Setenv("GTM_STORAGE_BACKEND", "MinIO")
	t.Setenv("GTM_STORAGE_ENDPOINT", "localhost:9000")
	t.Setenv("GTM_STORAGE_USE_TLS", "false")
	t.Setenv("GTM_BROKER", "kafka")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "k1:9092, k2:9092,")
	t.Setenv("GTM_WORKERS", "8")
	t.Setenv("GTM_GRACE_PERIOD", "45s")
	t.Setenv("GTM_DEAD_LETTER", "false")
	t.Setenv("GTM_RATE_LIMIT_RPS", "2.5")
	t.Setenv("GTM_API_KEYS", "crm:secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, StorageMinIO, cfg.StorageBackend)
	assert.False(t, cfg.StorageUseTLS)
	assert.Equal(t, BrokerKafka, cfg.Broker)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBootstrapServers)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 45*time.Second, cfg.GracePeriod)
	assert.False(t, cfg.DeadLetter)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.True(t, cfg.AuthEnabled())
}

func TestLoadReportsEveryParseError(t *testing.T) {
	t.Setenv("GTM_PORT", "abc")
	t.Setenv("GTM_GRACE_PERIOD", "soon")
	t.Setenv("GTM_DEAD_LETTER", "maybe")
	t.Setenv("GTM_RATE_LIMIT_RPS", "fast")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `GTM_PORT="abc" is not a valid integer`)
	assert.Contains(t, msg, `GTM_GRACE_PERIOD="soon" is not a valid duration`)
	assert.Contains(t, msg, `GTM_DEAD_LETTER="maybe" is not a valid boolean`)
	assert.Contains(t, msg, `GTM_RATE_LIMIT_RPS="fast" is not a valid number`)
	assert.Len(t, strings.Split(msg, "\n"), 4)
}

func validConfig() Config {
	return Config{
		Port:                8080,
		MaxRequestBodyBytes: 1024,
		StorageBackend:      StorageMemory,
		Broker:              BrokerMemory,
		ConsumerGroup:       "g",
		TopicPrefix:         "gtm",
		Workers:             3,
		EnrichQueueSize:     10,
		EnrichWorkers:       1,
		EmbeddingProvider:   "auto",
		EmbeddingDimensions: 1024,
		LogLevel:            "info",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Port = 0 }, "GTM_PORT"},
		{"unknown storage", func(c *Config) { c.StorageBackend = "gcs" }, "unknown GTM_STORAGE_BACKEND"},
		{"postgres without url", func(c *Config) { c.StorageBackend = StoragePostgres }, "DATABASE_URL"},
		{"minio without endpoint", func(c *Config) { c.StorageBackend = StorageMinIO; c.StorageBucket = "b" }, "GTM_STORAGE_ENDPOINT"},
		{"s3 without bucket", func(c *Config) { c.StorageBackend = StorageS3 }, "GTM_STORAGE_BUCKET"},
		{"unknown broker", func(c *Config) { c.Broker = "nats" }, "unknown GTM_BROKER"},
		{"redis broker without url", func(c *Config) { c.Broker = BrokerRedis }, "REDIS_URL"},
		{"kafka without servers", func(c *Config) { c.Broker = BrokerKafka }, "KAFKA_BOOTSTRAP_SERVERS"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "GTM_WORKERS"},
		{"negative retries", func(c *Config) { c.StoreRetries = -1 }, "GTM_STORE_RETRIES"},
		{"bad provider", func(c *Config) { c.EmbeddingProvider = "cohere" }, "GTM_EMBEDDING_PROVIDER"},
		{"half jwt pair", func(c *Config) { c.JWTPrivateKeyPath = "/k.pem" }, "set together"},
		{"rate limit zero burst", func(c *Config) { c.RateLimitEnabled = true; c.RateLimitRPS = 1 }, "GTM_RATE_LIMIT"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "GTM_LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
