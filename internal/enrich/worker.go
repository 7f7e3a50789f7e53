package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/gtmlake/internal/model"
	"github.com/ashita-ai/gtmlake/internal/partition"
	"github.com/ashita-ai/gtmlake/internal/search"
	"github.com/ashita-ai/gtmlake/internal/service/embedding"
	"github.com/ashita-ai/gtmlake/internal/storage"
	"github.com/ashita-ai/gtmlake/internal/telemetry"
)

// SilverObject is the document written to the silver layer.
type SilverObject struct {
	Record     model.Record   `json:"record"`
	AIInsights map[string]any `json:"ai_insights"`
	EnrichedAt time.Time      `json:"enriched_at"`
}

// Config controls the worker pool.
type Config struct {
	QueueSize int           // pending jobs before Enqueue drops (default 1000)
	Workers   int           // concurrent jobs (default 2)
	Timeout   time.Duration // per-job budget for enrichment and embedding (default 20s)
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	return c
}

type job struct {
	rec       model.Record
	objectKey string
}

// Worker runs enrichment jobs on a bounded queue. Call Start before
// Enqueue and Drain to stop.
type Worker struct {
	store    storage.Client
	enricher Enricher
	embedder embedding.Provider
	index    search.Index
	cfg      Config
	logger   *slog.Logger

	mu     sync.RWMutex
	queue  chan job
	closed bool

	dropped atomic.Int64
	jobs    metric.Int64Counter

	wg         sync.WaitGroup
	cancelLoop context.CancelFunc
}

// NewWorker builds a worker. enricher, embedder and index may be nil; the
// matching stage is then skipped.
func NewWorker(store storage.Client, enricher Enricher, embedder embedding.Provider, index search.Index, cfg Config, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		store:    store,
		enricher: enricher,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan job, cfg.QueueSize),
	}
}

// Start launches the workers and registers metrics. ctx supplies values
// only: the workers keep running after it is cancelled and stop in Drain.
func (w *Worker) Start(ctx context.Context) {
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancelLoop = cancel
	for range w.cfg.Workers {
		w.wg.Add(1)
		go w.loop(loopCtx)
	}
}

// Enqueue schedules rec for enrichment without blocking. It returns false
// and counts a drop when the queue is full or the worker is draining.
func (w *Worker) Enqueue(rec model.Record, objectKey string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.queue <- job{rec: rec, objectKey: objectKey}:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Drain stops accepting jobs, lets the workers finish what is queued and
// waits for them. When ctx expires first, in-flight jobs are cancelled.
func (w *Worker) Drain(ctx context.Context) {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("enrich: drain timed out, cancelling in-flight jobs", "queued", w.Depth())
		if w.cancelLoop != nil {
			w.cancelLoop()
		}
		<-done
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
}

// Depth returns the number of queued jobs.
func (w *Worker) Depth() int { return len(w.queue) }

// Dropped returns the number of jobs rejected by Enqueue.
func (w *Worker) Dropped() int64 { return w.dropped.Load() }

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for j := range w.queue {
		if ctx.Err() != nil {
			w.dropped.Add(1)
			continue
		}
		w.run(ctx, j)
	}
}

func (w *Worker) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("enrich: job panicked", "object_key", j.objectKey, "panic", r)
			w.count(ctx, "job", "panic")
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	if w.enricher != nil {
		if err := w.enrich(jobCtx, j); err != nil {
			w.logger.Warn("enrich: insights failed", "kind", j.rec.Kind(), "object_key", j.objectKey, "error", err)
			w.count(ctx, "insights", "failed")
		}
	}
	if w.embedder != nil && w.index != nil {
		if err := w.embed(jobCtx, j); err != nil {
			w.logger.Warn("enrich: embedding failed", "kind", j.rec.Kind(), "object_key", j.objectKey, "error", err)
			w.count(ctx, "embedding", "failed")
		}
	}
}

// enrich writes the silver copy when the enricher returns insights.
func (w *Worker) enrich(ctx context.Context, j job) error {
	insights, err := w.enricher.Enrich(ctx, j.rec)
	if err != nil {
		return err
	}
	if len(insights) == 0 {
		w.count(ctx, "insights", "empty")
		return nil
	}
	key, err := partition.Relayer(j.objectKey, partition.Silver)
	if err != nil {
		return err
	}
	obj := SilverObject{
		Record:     applyInsights(j.rec, insights),
		AIInsights: insights,
		EnrichedAt: time.Now().UTC(),
	}
	if err := storage.WithRetry(ctx, 2, 200*time.Millisecond, func() error {
		return w.store.Store(ctx, key, obj)
	}); err != nil {
		return fmt.Errorf("enrich: store silver object: %w", err)
	}
	w.count(ctx, "insights", "stored")
	w.logger.Debug("enrich: silver object stored", "object_key", key)
	return nil
}

// embed upserts the record's vector into the search index.
func (w *Worker) embed(ctx context.Context, j job) error {
	text := Text(j.rec)
	if text == "" {
		w.count(ctx, "embedding", "empty")
		return nil
	}
	vec, err := w.embedder.Embed(ctx, text)
	if errors.Is(err, embedding.ErrDisabled) {
		return nil
	}
	if err != nil {
		return err
	}
	ts, err := j.rec.PartitionTime()
	if err != nil {
		return err
	}
	domain, opp := recordContext(j.rec)
	point := search.Point{
		ID:            search.PointID(j.rec.Kind(), j.rec.NaturalKey()),
		Kind:          j.rec.Kind(),
		NaturalKey:    j.rec.NaturalKey(),
		ObjectKey:     j.objectKey,
		Timestamp:     ts.UTC(),
		CompanyDomain: domain,
		OpportunityID: opp,
		Embedding:     vec.Slice(),
	}
	if err := w.index.Upsert(ctx, []search.Point{point}); err != nil {
		return err
	}
	w.count(ctx, "embedding", "indexed")
	return nil
}

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("gtmlake/enrich")

	w.jobs, _ = meter.Int64Counter("gtm.enrich.jobs",
		metric.WithDescription("Enrichment stage outcomes"),
	)
	_, _ = meter.Int64ObservableGauge("gtm.enrich.queue_depth",
		metric.WithDescription("Jobs waiting for an enrichment worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.Depth()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("gtm.enrich.dropped",
		metric.WithDescription("Jobs dropped because the queue was full or draining"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.Dropped())
			return nil
		}),
	)
}

func (w *Worker) count(ctx context.Context, stage, outcome string) {
	if w.jobs == nil {
		return
	}
	w.jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}
