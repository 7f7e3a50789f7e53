// Package ingest is the orchestration core of the data lake: it consumes
// records from the message broker, validates them, and writes them to
// date-partitioned bronze storage through a bounded worker pool. It also
// exposes a synchronous direct-ingest path that bypasses the broker.
//
// One Pipeline owns one subscription covering every ingestion topic type.
// Messages are routed by an exact topic→handler table (see Router) and
// acknowledged only after their work unit finishes, so delivery into
// storage is at-least-once. Storage writes are idempotent overwrites keyed
// by the record's natural key and partition date, which makes redelivery
// harmless.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/gtmlake/internal/broker"
	"github.com/ashita-ai/gtmlake/internal/model"
	"github.com/ashita-ai/gtmlake/internal/partition"
	"github.com/ashita-ai/gtmlake/internal/storage"
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrNoBroker is returned by Start when the pipeline was built without a broker.
var ErrNoBroker = errors.New("ingest: no broker configured")

// Config tunes the pipeline. Zero values take the defaults below.
type Config struct {
	Workers            int           // concurrent work units (default 3)
	GracePeriod        time.Duration // Stop waits this long for in-flight work (default 10s)
	StoreRetries       int           // retries on transient storage failure (default 3)
	StoreRetryDelay    time.Duration // first retry backoff (default 200ms)
	DeadLetter         bool          // publish records that could not be stored to the dead-letter topic
	ReconnectBaseDelay time.Duration // first resubscribe backoff (default 500ms)
	ReconnectMaxDelay  time.Duration // resubscribe backoff cap (default 30s)
	Layer              partition.Layer
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.StoreRetries < 0 {
		c.StoreRetries = 0
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = 200 * time.Millisecond
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.Layer == "" {
		c.Layer = partition.Bronze
	}
	return c
}

// EnrichQueue accepts stored records for asynchronous enrichment. Enqueue
// must not block; it reports false when the job was dropped.
type EnrichQueue interface {
	Enqueue(rec model.Record, objectKey string) bool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithEnrichQueue hands every stored record to q.
func WithEnrichQueue(q EnrichQueue) Option {
	return func(p *Pipeline) { p.enrich = q }
}

// Pipeline consumes, validates and stores records.
type Pipeline struct {
	cfg    Config
	store  storage.Client
	broker broker.Broker // nil disables Start and dead-lettering
	enrich EnrichQueue
	router *Router
	logger *slog.Logger

	state    atomic.Int32
	inFlight atomic.Int64
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	metrics  *pipelineMetrics

	mu             sync.Mutex // serializes Start and Stop
	sub            broker.Subscription
	subMu          sync.Mutex
	recvCancel     context.CancelFunc
	workCtx        context.Context
	workCancel     context.CancelFunc
	supervisorDone chan struct{}
}

// New creates a stopped pipeline. b may be nil when only direct ingest is used.
func New(store storage.Client, b broker.Broker, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:    cfg,
		store:  store,
		broker: b,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.router = p.newRouter()
	p.metrics = p.registerMetrics()
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// InFlight returns the number of work units currently running.
func (p *Pipeline) InFlight() int64 {
	return p.inFlight.Load()
}

// Router returns the topic dispatch table used for broker messages.
func (p *Pipeline) Router() *Router {
	return p.router
}

// Start subscribes to every ingestion topic type and begins dispatching
// messages to the worker pool. It returns once the subscription is open.
// Calling Start on a running pipeline is a no-op.
//
// ctx bounds message receipt: cancelling it stops new deliveries, as Stop
// does. In-flight work is governed by Stop's grace period, not by ctx.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateStopped {
		return nil
	}
	if p.broker == nil {
		return ErrNoBroker
	}
	p.state.Store(int32(StateStarting))

	recvCtx, recvCancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))

	p.recvCancel = recvCancel
	p.workCtx = workCtx
	p.workCancel = workCancel

	sub, err := p.broker.Subscribe(recvCtx, model.TopicTypes(), p.handle)
	if err != nil {
		recvCancel()
		workCancel()
		p.state.Store(int32(StateStopped))
		return fmt.Errorf("ingest: subscribe: %w", err)
	}
	p.setSub(sub)
	p.supervisorDone = make(chan struct{})
	go p.supervise(recvCtx, sub)

	p.state.Store(int32(StateRunning))
	p.logger.Info("ingest: pipeline started",
		"broker", p.broker.Name(),
		"workers", p.cfg.Workers,
		"topics", len(model.TopicTypes()),
	)
	return nil
}

// Stop stops message receipt, waits up to the grace period for in-flight
// work to finish, closes the subscription and returns the pipeline to
// Stopped. Exceeding the grace period is logged and the remaining work is
// cancelled. Stop on a pipeline that is not running is a no-op.
func (p *Pipeline) Stop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateRunning {
		return
	}
	p.state.Store(int32(StateStopping))
	start := time.Now()

	p.recvCancel()
	<-p.supervisorDone
	sub := p.currentSub()
	// The receive loop is the only caller of handle; once it has exited no
	// new work can be added to the wait group.
	<-sub.Done()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	grace := time.NewTimer(p.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		p.logger.Warn("ingest: grace period exceeded, cancelling in-flight work",
			"grace_period", p.cfg.GracePeriod.String(),
			"in_flight", p.InFlight(),
		)
	case <-ctx.Done():
		p.logger.Warn("ingest: stop deadline reached, cancelling in-flight work",
			"in_flight", p.InFlight(),
		)
	}
	p.workCancel()

	if err := sub.Close(); err != nil {
		p.logger.Warn("ingest: close subscription", "error", err)
	}
	p.state.Store(int32(StateStopped))
	p.logger.Info("ingest: pipeline stopped", "duration_ms", time.Since(start).Milliseconds())
}

func (p *Pipeline) setSub(sub broker.Subscription) {
	p.subMu.Lock()
	p.sub = sub
	p.subMu.Unlock()
}

func (p *Pipeline) currentSub() broker.Subscription {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	return p.sub
}

// supervise resubscribes with exponential backoff when the subscription
// ends with a lost connection. It exits when ctx is cancelled.
func (p *Pipeline) supervise(ctx context.Context, sub broker.Subscription) {
	defer close(p.supervisorDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
		}
		if ctx.Err() != nil {
			return
		}

		err := sub.Err()
		if !errors.Is(err, broker.ErrConnectionLost) {
			p.logger.Error("ingest: subscription ended unexpectedly", "error", err)
			return
		}
		p.logger.Warn("ingest: subscription lost, reconnecting", "error", err)
		if cerr := sub.Close(); cerr != nil {
			p.logger.Debug("ingest: close lost subscription", "error", cerr)
		}

		next, ok := p.resubscribe(ctx)
		if !ok {
			return
		}
		p.setSub(next)
		sub = next
	}
}

func (p *Pipeline) resubscribe(ctx context.Context) (broker.Subscription, bool) {
	delay := p.cfg.ReconnectBaseDelay
	for attempt := 1; ; attempt++ {
		wait := delay + time.Duration(rand.Int64N(int64(delay)/2+1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(wait):
		}

		sub, err := p.broker.Subscribe(ctx, model.TopicTypes(), p.handle)
		if err == nil {
			p.metrics.reconnects.Add(ctx, 1)
			p.logger.Info("ingest: subscription restored", "attempt", attempt)
			return sub, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		p.logger.Warn("ingest: resubscribe failed", "attempt", attempt, "error", err)
		delay = min(delay*2, p.cfg.ReconnectMaxDelay)
	}
}

// handle is the subscription callback. It only dispatches: the message is
// handed to a worker goroutine once a pool slot is free, so slow storage
// never runs on the receive path.
func (p *Pipeline) handle(ctx context.Context, msg *broker.Message) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		// Receipt is stopping. The message stays unacknowledged and is
		// redelivered to the next consumer.
		return nil
	}
	workCtx := p.workCtx
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer p.sem.Release(1)
		defer p.wg.Done()
		defer p.inFlight.Add(-1)
		p.work(workCtx, msg)
	}()
	return nil
}

// work processes one message and acknowledges it when the outcome is final.
// A record that neither storage nor the dead-letter topic accepted is retried
// in place with backoff: brokers commit offsets in order, so leaving it
// unacknowledged would hold back the partition until a restart.
func (p *Pipeline) work(ctx context.Context, msg *broker.Message) {
	ack := true
	defer func() {
		if r := recover(); r != nil {
			p.metrics.panics.Add(ctx, 1)
			p.logger.Error("ingest: worker panic", "topic", msg.Topic, "message_id", msg.ID, "panic", fmt.Sprint(r))
		}
		if !ack {
			return
		}
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := msg.Ack(ackCtx); err != nil {
			p.logger.Warn("ingest: ack failed", "topic", msg.Topic, "message_id", msg.ID, "error", err)
		}
	}()

	delay := p.cfg.ReconnectBaseDelay
	for attempt := 1; ; attempt++ {
		if p.process(ctx, msg) {
			return
		}
		p.logger.Warn("ingest: record neither stored nor dead-lettered, retrying",
			"topic", msg.Topic, "message_id", msg.ID, "attempt", attempt, "delay_ms", delay.Milliseconds())
		select {
		case <-ctx.Done():
			// Stop cancelled the work; the broker redelivers after restart.
			ack = false
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, p.cfg.ReconnectMaxDelay)
	}
}

// process runs one delivery attempt. It reports whether the outcome is final.
func (p *Pipeline) process(ctx context.Context, msg *broker.Message) bool {
	err := p.router.Handle(ctx, msg.Topic, msg.Payload)
	var fail *storeFailure
	switch {
	case err == nil:
	case errors.As(err, &fail):
		return p.deadLetter(ctx, msg, fail)
	case errors.Is(err, model.ErrInvalidRecord), errors.Is(err, broker.ErrUnknownTopic):
		p.logger.Warn("ingest: message dropped", "topic", msg.Topic, "message_id", msg.ID, "error", err)
	default:
		p.logger.Error("ingest: message failed", "topic", msg.Topic, "message_id", msg.ID, "error", err)
	}
	return true
}
