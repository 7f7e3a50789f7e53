package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/gtmlake/internal/ingest"
	"github.com/ashita-ai/gtmlake/internal/model"
)

func init() {
	publishCmd.Flags().String("type", "", "topic type: conversations, emails, product_usage, calendar_events or agent_data (required)")
	publishCmd.Flags().Int("concurrency", 4, "files published in parallel")
	_ = publishCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(publishCmd)
}

var publishCmd = &cobra.Command{
	Use:   "publish --type TOPIC FILE...",
	Short: "Publish record files to an ingestion topic",
	Long: `Publish one or more JSON files to the broker. A file holds a single
record object or an array of records. Every record is validated before it is
published; invalid records are reported and skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		topic, _ := cmd.Flags().GetString("type")
		kind, ok := model.KindForTopic(model.TopicType(topic))
		if !ok {
			return fmt.Errorf("unknown topic type %q", topic)
		}
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		b, err := requireBroker(cmd.Context(), cfg, "publish", logger)
		if err != nil {
			return err
		}
		defer func() { _ = b.Close() }()

		sum, err := publishFiles(cmd.Context(), ingest.NewProducer(b), kind, args, concurrency, logger)
		fmt.Fprintf(cmd.OutOrStdout(), "published %d, rejected %d\n", sum.published.Load(), sum.rejected.Load())
		if err != nil {
			return err
		}
		if sum.rejected.Load() > 0 {
			return fmt.Errorf("%d records rejected", sum.rejected.Load())
		}
		return nil
	},
}

// recordPublisher is satisfied by *ingest.Producer.
type recordPublisher interface {
	PublishRaw(ctx context.Context, kind model.Kind, payload []byte) (model.Record, model.TopicType, error)
}

type publishSummary struct {
	published atomic.Int64
	rejected  atomic.Int64
}

// publishFiles publishes every record in files. Validation failures are
// counted and skipped; the first unreadable file or broker error cancels
// the remaining work.
func publishFiles(ctx context.Context, p recordPublisher, kind model.Kind, files []string, concurrency int, logger *slog.Logger) (*publishSummary, error) {
	sum := &publishSummary{}
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, path := range files {
		g.Go(func() error {
			records, err := readRecords(path)
			if err != nil {
				return err
			}
			for i, payload := range records {
				rec, topic, err := p.PublishRaw(gctx, kind, payload)
				switch {
				case err == nil:
					sum.published.Add(1)
					logger.Debug("publish: record queued", "file", path, "topic", topic, "natural_key", rec.NaturalKey())
				case isInvalid(err):
					sum.rejected.Add(1)
					logger.Warn("publish: record rejected", "file", path, "index", i, "error", err)
				default:
					return fmt.Errorf("publish %s record %d: %w", path, i, err)
				}
			}
			return nil
		})
	}
	return sum, g.Wait()
}

// readRecords splits a file into raw record payloads.
func readRecords(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return records, nil
	}
	return []json.RawMessage{trimmed}, nil
}

func isInvalid(err error) bool {
	return errors.Is(err, model.ErrInvalidRecord) || errors.Is(err, model.ErrUnknownAgentType)
}
