// Package broker adapts publish/subscribe message queues for the ingestion
// pipeline. Adapters exist for Kafka, Redis Streams and process memory; all of
// them map logical topic types to physical topic names through a static Topics
// table.
//
// Publish blocks until the broker has acknowledged the write. Subscribe opens
// one long-lived consumer over a set of topic types and calls the handler once
// per message; the message is committed back to the broker only when the
// handler (or whoever it hands the message to) calls Ack.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/gtmlake/internal/model"
)

var (
	// ErrPublishFailed is returned when the broker did not acknowledge a write.
	ErrPublishFailed = errors.New("broker: publish failed")

	// ErrConnectionLost ends a subscription whose connection faulted. The
	// owner decides whether to resubscribe.
	ErrConnectionLost = errors.New("broker: connection lost")

	// ErrUnknownTopic is returned for a topic type or name outside the table.
	ErrUnknownTopic = errors.New("broker: unknown topic")

	// ErrClosed is returned by operations on a closed broker or subscription.
	ErrClosed = errors.New("broker: closed")
)

// Broker is a publish/subscribe message queue.
type Broker interface {
	// Publish sends payload to the topic mapped from topic and blocks until
	// the broker acknowledges it. key routes related messages to the same
	// partition where the broker supports it.
	Publish(ctx context.Context, topic model.TopicType, key string, payload []byte) error

	// Subscribe starts consuming types and calls h for every message. The
	// consumer stops receiving when ctx is cancelled; Close on the returned
	// Subscription releases the connection.
	Subscribe(ctx context.Context, types []model.TopicType, h Handler) (Subscription, error)

	// Topics returns the static topic table.
	Topics() *Topics

	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// Handler processes one delivered message. A non-nil error is logged and the
// message is acknowledged so consumption moves on; handlers that take
// ownership of a message return nil and call Ack themselves.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is a running consumer.
type Subscription interface {
	// Done is closed when the receive loop has exited.
	Done() <-chan struct{}
	// Err reports why the receive loop exited: nil for a requested stop, an
	// error wrapping ErrConnectionLost for a fault.
	Err() error
	// Close stops receipt, waits for the loop to exit and releases the
	// connection. Acks after Close fail.
	Close() error
}

// Message is one delivered record.
type Message struct {
	Topic     string          // physical topic name
	Type      model.TopicType // logical topic type
	Key       string
	Payload   []byte
	Timestamp time.Time
	// ID is the broker's message identity: "partition/offset" on Kafka,
	// the entry id on Redis, a sequence number in memory.
	ID string

	ackOnce sync.Once
	ackErr  error
	ack     func(ctx context.Context) error
}

// Ack commits the message. Only the first call has an effect.
func (m *Message) Ack(ctx context.Context) error {
	m.ackOnce.Do(func() {
		if m.ack != nil {
			m.ackErr = m.ack(ctx)
		}
	})
	return m.ackErr
}

// deliver runs h for msg. Handler errors and panics are logged and the
// message is acknowledged; they never end the subscription.
func deliver(ctx context.Context, logger *slog.Logger, h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("broker: handler panic", "topic", msg.Topic, "message_id", msg.ID, "panic", fmt.Sprint(r))
			if err := msg.Ack(ctx); err != nil {
				logger.Warn("broker: ack after panic failed", "topic", msg.Topic, "error", err)
			}
		}
	}()
	if err := h(ctx, msg); err != nil {
		logger.Warn("broker: handler error", "topic", msg.Topic, "message_id", msg.ID, "error", err)
		if err := msg.Ack(ctx); err != nil {
			logger.Warn("broker: ack failed", "topic", msg.Topic, "message_id", msg.ID, "error", err)
		}
	}
}

// subscription carries the lifecycle shared by every adapter's consumer.
type subscription struct {
	cancel  context.CancelFunc
	done    chan struct{}
	release func() error

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
	closeErr  error
}

func newSubscription(cancel context.CancelFunc, release func() error) *subscription {
	return &subscription{cancel: cancel, release: release, done: make(chan struct{})}
}

// finish records the exit cause and closes Done. Called once by the loop.
func (s *subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}

// lost wraps a receive fault as ErrConnectionLost.
func lost(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}
