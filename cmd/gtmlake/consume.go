package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/gtmlake/internal/config"
	"github.com/ashita-ai/gtmlake/internal/ingest"
	"github.com/ashita-ai/gtmlake/internal/telemetry"
)

func init() {
	consumeCmd.Flags().Duration("status-interval", time.Minute, "how often to log pipeline status (0 disables)")
	rootCmd.AddCommand(consumeCmd)
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the broker consumer without the HTTP API",
	Long: `Run only the ingestion pipeline. It joins the same consumer group as
serve, so running both splits topic partitions between them.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		interval, _ := cmd.Flags().GetDuration("status-interval")
		return runConsume(cmd.Context(), cfg, logger, interval)
	},
}

func runConsume(ctx context.Context, cfg config.Config, logger *slog.Logger, statusInterval time.Duration) error {
	logger.Info("gtmlake consumer starting", "version", version,
		"storage", cfg.StorageBackend, "broker", cfg.Broker, "group", cfg.ConsumerGroup)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		Role:        "consume",
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	var cleanup closers
	defer cleanup.close(logger)

	b, err := requireBroker(ctx, cfg, "consume", logger)
	if err != nil {
		return err
	}
	cleanup.add(b.Close)

	store, pg, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cleanup.add(store.Close)

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
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	var tick <-chan time.Time
	if statusInterval > 0 {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick:
			logger.Info("ingest: status",
				"state", pipeline.State().String(),
				"in_flight", pipeline.InFlight(),
				"enrich_queue_depth", enricher.Depth(),
				"enrich_dropped", enricher.Dropped(),
			)
		}
	}

	logger.Info("gtmlake consumer shutting down")
	stopPipeline(pipeline, cfg.GracePeriod)

	enrichCtx, enrichCancel := context.WithTimeout(context.Background(), shutdownPhase)
	enricher.Drain(enrichCtx)
	enrichCancel()

	logger.Info("gtmlake consumer stopped")
	return nil
}
