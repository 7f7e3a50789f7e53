package broker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// DefaultMemoryQueueSize bounds each in-memory topic queue.
const DefaultMemoryQueueSize = 1024

// Memory is an in-process broker. Subscriptions compete for messages on a
// topic, as members of one consumer group would. Messages are not persisted.
type Memory struct {
	topics *Topics
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queues map[model.TopicType]chan *Message
	subs   map[*memorySubscription]struct{}

	seq       atomic.Int64
	published atomic.Int64
	acked     atomic.Int64
}

// NewMemory creates an in-memory broker with queueSize slots per topic.
func NewMemory(topics *Topics, queueSize int, logger *slog.Logger) *Memory {
	if queueSize <= 0 {
		queueSize = DefaultMemoryQueueSize
	}
	m := &Memory{
		topics: topics,
		logger: logger,
		queues: make(map[model.TopicType]chan *Message),
		subs:   make(map[*memorySubscription]struct{}),
	}
	for _, t := range topics.All() {
		m.queues[t.Type] = make(chan *Message, queueSize)
	}
	return m
}

func (m *Memory) Name() string    { return "memory" }
func (m *Memory) Topics() *Topics { return m.topics }

// Publish enqueues payload. It blocks while the topic queue is full.
func (m *Memory) Publish(ctx context.Context, topic model.TopicType, key string, payload []byte) error {
	name, err := m.topics.Name(topic)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPublishFailed, ErrClosed)
	}
	q := m.queues[topic]
	m.mu.Unlock()

	msg := &Message{
		Topic:     name,
		Type:      topic,
		Key:       key,
		Payload:   slices.Clone(payload),
		Timestamp: time.Now().UTC(),
		ID:        strconv.FormatInt(m.seq.Add(1), 10),
	}
	msg.ack = func(context.Context) error {
		m.acked.Add(1)
		return nil
	}

	select {
	case q <- msg:
		m.published.Add(1)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	}
}

// Subscribe starts a consumer over types.
func (m *Memory) Subscribe(ctx context.Context, types []model.TopicType, h Handler) (Subscription, error) {
	if _, err := m.topics.Names(types); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{fault: make(chan error, 1)}
	sub.subscription = newSubscription(cancel, func() error {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
		return nil
	})
	m.subs[sub] = struct{}{}

	queues := make([]chan *Message, 0, len(types))
	for _, tt := range types {
		queues = append(queues, m.queues[tt])
	}
	go m.consume(loopCtx, sub, queues, h)
	return sub, nil
}

// consume fans the topic queues into a single sequential handler loop.
func (m *Memory) consume(ctx context.Context, sub *memorySubscription, queues []chan *Message, h Handler) {
	in := make(chan *Message)
	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-q:
					select {
					case in <- msg:
					case <-ctx.Done():
						// Return the message so another consumer can take it.
						select {
						case q <- msg:
						default:
							m.logger.Warn("broker: memory queue full, message lost", "topic", msg.Topic)
						}
						return
					}
				}
			}
		}()
	}

	var exitErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-sub.fault:
			exitErr = lost(err)
			break loop
		case msg := <-in:
			deliver(ctx, m.logger, h, msg)
		}
	}
	sub.cancel()
	wg.Wait()
	sub.finish(exitErr)
}

// Sever ends every active subscription with ErrConnectionLost, as a dropped
// connection would.
func (m *Memory) Sever(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		select {
		case sub.fault <- cause:
		default:
		}
	}
}

// Published returns the number of messages accepted by Publish.
func (m *Memory) Published() int64 { return m.published.Load() }

// Acked returns the number of acknowledged messages.
func (m *Memory) Acked() int64 { return m.acked.Load() }

// Depth returns the number of queued, undelivered messages on topic.
func (m *Memory) Depth(topic model.TopicType) int {
	return len(m.queues[topic])
}

// Subscribers returns the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close stops accepting publishes and subscriptions. Open subscriptions are
// left for their owners to close.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memorySubscription struct {
	*subscription
	fault chan error
}
