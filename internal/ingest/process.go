package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/gtmlake/internal/broker"
	"github.com/ashita-ai/gtmlake/internal/model"
	"github.com/ashita-ai/gtmlake/internal/partition"
	"github.com/ashita-ai/gtmlake/internal/storage"
)

// storeFailure reports a record that validated but could not be written.
type storeFailure struct {
	Record    model.Record
	ObjectKey string
	Attempts  int
	Err       error
}

func (f *storeFailure) Error() string {
	return fmt.Sprintf("ingest: store %s after %d attempt(s): %v", f.ObjectKey, f.Attempts, f.Err)
}

func (f *storeFailure) Unwrap() error { return f.Err }

// storeRecord resolves the partition key for a validated record and writes
// it, retrying transient storage failures with backoff. On success the
// record is handed to the enrichment queue.
func (p *Pipeline) storeRecord(ctx context.Context, rec model.Record) (string, error) {
	kind := rec.Kind()
	key, err := partition.ObjectKey(p.cfg.Layer, rec)
	if err != nil {
		p.metrics.record(ctx, kind, outcomeInvalid)
		return "", fmt.Errorf("ingest: resolve key: %w", err)
	}

	attempts := 0
	start := time.Now()
	err = storage.WithRetry(ctx, p.cfg.StoreRetries, p.cfg.StoreRetryDelay, func() error {
		attempts++
		err := p.store.Store(ctx, key, rec)
		if err != nil && storage.IsRetriable(err) && attempts <= p.cfg.StoreRetries {
			p.logger.Warn("ingest: transient storage failure, retrying",
				"kind", kind, "object_key", key, "attempt", attempts, "error", err)
		}
		return err
	})
	p.metrics.observeStore(ctx, kind, time.Since(start))

	if err != nil {
		p.metrics.record(ctx, kind, outcomeFailed)
		p.logger.Error("ingest: storage write failed",
			"kind", kind,
			"natural_key", rec.NaturalKey(),
			"object_key", key,
			"attempts", attempts,
			"error", err,
		)
		return "", &storeFailure{Record: rec, ObjectKey: key, Attempts: attempts, Err: err}
	}

	p.metrics.record(ctx, kind, outcomeStored)
	p.logger.Debug("ingest: record stored", "kind", kind, "natural_key", rec.NaturalKey(), "object_key", key)

	if p.enrich != nil && !p.enrich.Enqueue(rec, key) {
		p.logger.Debug("ingest: enrichment job dropped", "object_key", key)
	}
	return key, nil
}

// DeadLetterEnvelope is the payload published to the dead-letter topic for a
// record whose storage write failed after retries.
type DeadLetterEnvelope struct {
	Topic      string          `json:"topic"`
	Kind       model.Kind      `json:"kind"`
	NaturalKey string          `json:"natural_key"`
	ObjectKey  string          `json:"object_key"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	FailedAt   time.Time       `json:"failed_at"`
	Attempts   int             `json:"attempts"`
}

// deadLetter publishes a failed message to the dead-letter topic. It reports
// whether the original message may be acknowledged: false means neither
// storage nor the dead-letter topic has the record.
func (p *Pipeline) deadLetter(ctx context.Context, msg *broker.Message, fail *storeFailure) bool {
	if !p.cfg.DeadLetter || p.broker == nil {
		p.logger.Error("ingest: message dropped after storage failure",
			"topic", msg.Topic, "object_key", fail.ObjectKey, "error", fail.Err)
		return true
	}

	env := DeadLetterEnvelope{
		Topic:      msg.Topic,
		Kind:       fail.Record.Kind(),
		NaturalKey: fail.Record.NaturalKey(),
		ObjectKey:  fail.ObjectKey,
		Payload:    json.RawMessage(msg.Payload),
		Error:      fail.Err.Error(),
		FailedAt:   time.Now().UTC(),
		Attempts:   fail.Attempts,
	}
	body, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("ingest: encode dead-letter envelope", "object_key", fail.ObjectKey, "error", err)
		return true
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.broker.Publish(pubCtx, broker.DeadLetter, fail.Record.NaturalKey(), body); err != nil {
		p.logger.Error("ingest: dead-letter publish failed",
			"topic", msg.Topic, "object_key", fail.ObjectKey, "error", err)
		return false
	}

	p.metrics.record(ctx, env.Kind, outcomeDeadLettered)
	p.logger.Warn("ingest: record dead-lettered",
		"topic", msg.Topic, "kind", env.Kind, "natural_key", env.NaturalKey, "attempts", fail.Attempts)
	return true
}
