package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/gtmlake/internal/auth"
	"github.com/ashita-ai/gtmlake/internal/broker"
	"github.com/ashita-ai/gtmlake/internal/config"
	"github.com/ashita-ai/gtmlake/internal/enrich"
	"github.com/ashita-ai/gtmlake/internal/ingest"
	"github.com/ashita-ai/gtmlake/internal/ratelimit"
	"github.com/ashita-ai/gtmlake/internal/search"
	"github.com/ashita-ai/gtmlake/internal/service/embedding"
	"github.com/ashita-ai/gtmlake/internal/storage"
	"github.com/ashita-ai/gtmlake/migrations"
)

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

// openStorage connects the configured backend. The postgres backend is also
// returned so the vector index can share its pool.
func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage.Store, *storage.PostgresBackend, error) {
	var (
		backend storage.Backend
		pg      *storage.PostgresBackend
		err     error
	)
	switch cfg.StorageBackend {
	case config.StorageMemory:
		logger.Warn("storage: in-memory backend, records do not survive a restart")
		backend = storage.NewMemoryBackend()
	case config.StorageS3, config.StorageMinIO:
		backend, err = storage.NewS3Backend(ctx, storage.S3Config{
			Endpoint:     cfg.StorageEndpoint,
			Region:       cfg.StorageRegion,
			Bucket:       cfg.StorageBucket,
			AccessKey:    cfg.StorageAccessKey,
			SecretKey:    cfg.StorageSecretKey,
			UseTLS:       cfg.StorageUseTLS,
			CreateBucket: cfg.StorageBackend == config.StorageMinIO,
		}, logger)
	case config.StoragePostgres:
		pg, err = storage.NewPostgresBackend(ctx, cfg.DatabaseURL, logger)
		if err == nil {
			if err = pg.RunMigrations(ctx, migrations.FS); err != nil {
				_ = pg.Close()
			}
		}
		backend = pg
	case config.StorageSQLite:
		backend, err = storage.NewSQLiteBackend(ctx, cfg.SQLitePath, logger)
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	logger.Info("storage: connected", "backend", backend.Name())
	return storage.New(backend, logger), pg, nil
}

// openBroker connects the configured broker adapter. It returns nil when
// the broker is disabled.
func openBroker(ctx context.Context, cfg config.Config, role string, logger *slog.Logger) (broker.Broker, error) {
	topics := broker.NewTopics(cfg.TopicPrefix)
	switch cfg.Broker {
	case config.BrokerNone:
		logger.Info("broker: disabled, direct ingest only")
		return nil, nil
	case config.BrokerMemory:
		logger.Warn("broker: in-process memory broker, queued records are lost on restart")
		return broker.NewMemory(topics, 0, logger), nil
	case config.BrokerKafka:
		k, err := broker.NewKafka(broker.KafkaConfig{
			Brokers:  cfg.KafkaBootstrapServers,
			GroupID:  cfg.ConsumerGroup,
			ClientID: "gtmlake-" + role,
			Topics:   topics,
		}, logger)
		if err != nil {
			return nil, err
		}
		return k, nil
	case config.BrokerRedis:
		r, err := broker.NewRedis(ctx, broker.RedisConfig{
			URL:      cfg.RedisURL,
			Group:    cfg.ConsumerGroup,
			Consumer: consumerName(role),
			Topics:   topics,
		}, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("broker: unknown adapter %q", cfg.Broker)
}

func newPipeline(store storage.Client, b broker.Broker, cfg config.Config, logger *slog.Logger, opts ...ingest.Option) *ingest.Pipeline {
	return ingest.New(store, b, ingest.Config{
		Workers:           cfg.Workers,
		GracePeriod:       cfg.GracePeriod,
		StoreRetries:      cfg.StoreRetries,
		StoreRetryDelay:   cfg.StoreRetryDelay,
		DeadLetter:        cfg.DeadLetter,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
	}, logger, opts...)
}

func newEmbedder(cfg config.Config, logger *slog.Logger) (embedding.Provider, error) {
	model := cfg.EmbeddingModel
	if model == "" && (cfg.EmbeddingProvider == "ollama" || (cfg.EmbeddingProvider == "auto" && cfg.OpenAIAPIKey == "")) {
		model = cfg.OllamaModel
	}
	return embedding.New(embedding.Config{
		Provider:   cfg.EmbeddingProvider,
		Model:      model,
		Dimensions: cfg.EmbeddingDimensions,
		OpenAIKey:  cfg.OpenAIAPIKey,
		OllamaURL:  cfg.OllamaURL,
	}, logger)
}

// openIndex prefers Qdrant, falls back to pgvector when records live in
// postgres, and otherwise returns nil so semantic search is skipped.
func openIndex(ctx context.Context, cfg config.Config, pg *storage.PostgresBackend, logger *slog.Logger) (search.Index, error) {
	if cfg.QdrantURL != "" {
		q, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := q.EnsureCollection(ctx); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("search: qdrant enabled", "collection", cfg.QdrantCollection)
		return q, nil
	}
	if pg != nil {
		logger.Info("search: pgvector enabled")
		return search.NewPGVectorIndex(pg.Pool(), logger), nil
	}
	logger.Info("search: disabled (no QDRANT_URL and storage is not postgres)")
	return nil, nil
}

func newEnrichWorker(store storage.Client, embedder embedding.Provider, index search.Index, cfg config.Config, logger *slog.Logger) *enrich.Worker {
	var enricher enrich.Enricher = enrich.Noop{}
	if cfg.EnrichURL != "" {
		enricher = enrich.NewHTTPEnricher(cfg.EnrichURL, cfg.EnrichAPIKey, cfg.EnrichTimeout)
		logger.Info("enrich: webhook enabled", "url", cfg.EnrichURL)
	}
	return enrich.NewWorker(store, enricher, embedder, index, enrich.Config{
		QueueSize: cfg.EnrichQueueSize,
		Workers:   cfg.EnrichWorkers,
		Timeout:   cfg.EnrichTimeout,
	}, logger)
}

// newKeyring merges plaintext keys and precomputed hashes. It returns nil
// when auth is disabled.
func newKeyring(cfg config.Config, logger *slog.Logger) (*auth.Keyring, error) {
	if !cfg.AuthEnabled() {
		logger.Warn("auth: disabled (no GTM_API_KEYS or GTM_API_KEY_HASHES)")
		return nil, nil
	}
	plain, err := auth.ParseKeys(cfg.APIKeys)
	if err != nil {
		return nil, err
	}
	hashed, err := auth.ParseHashes(cfg.APIKeyHashes)
	if err != nil {
		return nil, err
	}
	ring := auth.NewKeyring(hashed)
	ring.Merge(plain)
	logger.Info("auth: enabled", "clients", len(ring.Clients()))
	return ring, nil
}

// newLimiter builds the per-client rate limiter. With REDIS_URL set the
// budget is shared by every replica.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	if !cfg.RateLimitEnabled {
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
		}
		l, err := ratelimit.NewRedisLimiterForRate(client, cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		logger.Info("rate limiting: redis (shared fixed window)", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return &redisLimiter{RedisLimiter: l, client: client}, nil
	}
	logger.Info("rate limiting: memory (in-process token bucket)", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}

// redisLimiter owns the client it was built with.
type redisLimiter struct {
	*ratelimit.RedisLimiter
	client *redis.Client
}

func (r *redisLimiter) Close() error {
	return errors.Join(r.RedisLimiter.Close(), r.client.Close())
}

// consumerName is unique per process so that two processes on one host never
// read as the same group member.
func consumerName(role string) string {
	return fmt.Sprintf("%s-%s-%d", hostname(), role, os.Getpid())
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
