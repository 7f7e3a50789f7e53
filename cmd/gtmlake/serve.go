package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/gtmlake/internal/auth"
	"github.com/ashita-ai/gtmlake/internal/broker"
	"github.com/ashita-ai/gtmlake/internal/config"
	"github.com/ashita-ai/gtmlake/internal/ingest"
	"github.com/ashita-ai/gtmlake/internal/mcp"
	"github.com/ashita-ai/gtmlake/internal/query"
	"github.com/ashita-ai/gtmlake/internal/server"
	"github.com/ashita-ai/gtmlake/internal/telemetry"
)

// shutdownPhase bounds each step of graceful shutdown so an early phase
// cannot steal budget from a later one.
const shutdownPhase = 10 * time.Second

func init() {
	serveCmd.Flags().Bool("no-consume", false, "serve HTTP without running the broker consumer")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingestion API and the broker consumer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		noConsume, _ := cmd.Flags().GetBool("no-consume")
		return runServe(cmd.Context(), cfg, logger, !noConsume)
	},
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, consume bool) error {
	logger.Info("gtmlake starting", "version", version, "port", cfg.Port,
		"storage", cfg.StorageBackend, "broker", cfg.Broker)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		Role:        "serve",
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	var cleanup closers
	defer cleanup.close(logger)

	store, pg, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cleanup.add(store.Close)

	b, err := openBroker(ctx, cfg, "serve", logger)
	if err != nil {
		return err
	}
	if b != nil {
		cleanup.add(b.Close)
	}

	embedder, err := newEmbedder(cfg, logger)
	if err != nil {
		return err
	}
	index, err := openIndex(ctx, cfg, pg, logger)
	if err != nil {
		return err
	}
	if index != nil {
		cleanup.add(index.Close)
	}

	enricher := newEnrichWorker(store, embedder, index, cfg, logger)
	enricher.Start(ctx)

	pipeline := newPipeline(store, b, cfg, logger, ingest.WithEnrichQueue(enricher))

	keyring, err := newKeyring(cfg, logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	var jwtMgr *auth.JWTManager
	if keyring != nil {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	limiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cleanup.add(limiter.Close)

	querySvc := query.New(store, index, embedder, logger)

	srvCfg := server.ServerConfig{
		Ingester:            pipeline,
		Store:               store,
		Logger:              logger,
		Querier:             querySvc,
		StoragePing:         store,
		Enrich:              enricher,
		Keyring:             keyring,
		JWTMgr:              jwtMgr,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	mcpDeps := mcp.Deps{Ingester: pipeline, Querier: querySvc, Store: store}
	if b != nil {
		producer := ingest.NewProducer(b)
		srvCfg.Publisher = producer
		srvCfg.BrokerPing = b
		mcpDeps.Publisher = producer
	}
	if index != nil {
		srvCfg.Index = index
	}
	srvCfg.MCPServer = mcp.New(mcpDeps, logger, version).MCPServer()
	srv := server.New(srvCfg)

	if consume && b != nil {
		if err := pipeline.Start(ctx); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
	} else {
		logger.Info("ingest: consumer not started", "broker", cfg.Broker, "consume", consume)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// Order: (1) stop accepting HTTP requests and drain in-flight ones, which
	// may still ingest directly, (2) stop the consumer so no new records reach
	// the enrichment queue, (3) drain enrichment.
	logger.Info("gtmlake shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), shutdownPhase)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	stopPipeline(pipeline, cfg.GracePeriod)

	enrichCtx, enrichCancel := context.WithTimeout(context.Background(), shutdownPhase)
	enricher.Drain(enrichCtx)
	enrichCancel()

	logger.Info("gtmlake stopped")
	return runErr
}

// stopPipeline gives Stop its own grace period plus slack for closing the
// subscription.
func stopPipeline(p *ingest.Pipeline, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	p.Stop(ctx)
}

// errNoBroker is returned by commands that need a broker when GTM_BROKER=none.
var errNoBroker = errors.New("GTM_BROKER is none; this command needs a broker")

// requireBroker opens the configured broker and fails when it is disabled.
func requireBroker(ctx context.Context, cfg config.Config, role string, logger *slog.Logger) (broker.Broker, error) {
	b, err := openBroker(ctx, cfg, role, logger)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errNoBroker
	}
	return b, nil
}
