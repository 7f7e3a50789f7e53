package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/gtmlake/internal/broker"
	"github.com/ashita-ai/gtmlake/internal/model"
)

// Ingest validates rec and stores it synchronously, bypassing the broker.
// It returns the object key on success. A validation failure returns an
// error matching model.ErrInvalidRecord and nothing is written.
func (p *Pipeline) Ingest(ctx context.Context, rec model.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		p.metrics.record(ctx, rec.Kind(), outcomeInvalid)
		return "", err
	}
	return p.storeRecord(ctx, rec)
}

// IngestRaw decodes payload as kind and ingests it.
func (p *Pipeline) IngestRaw(ctx context.Context, kind model.Kind, payload []byte) (model.Record, string, error) {
	rec, err := model.Decode(kind, payload)
	if err != nil {
		p.metrics.record(ctx, kind, outcomeInvalid)
		return nil, "", err
	}
	key, err := p.storeRecord(ctx, rec)
	return rec, key, err
}

func (p *Pipeline) IngestConversation(ctx context.Context, c *model.Conversation) (string, error) {
	return p.Ingest(ctx, c)
}

func (p *Pipeline) IngestEmailThread(ctx context.Context, t *model.EmailThread) (string, error) {
	return p.Ingest(ctx, t)
}

func (p *Pipeline) IngestProductUsage(ctx context.Context, u *model.ProductUsage) (string, error) {
	return p.Ingest(ctx, u)
}

func (p *Pipeline) IngestCalendarEvent(ctx context.Context, e *model.CalendarEvent) (string, error) {
	return p.Ingest(ctx, e)
}

func (p *Pipeline) IngestAgentData(ctx context.Context, a *model.AgentData) (string, error) {
	return p.Ingest(ctx, a)
}

// Producer validates records and publishes them to their topic.
type Producer struct {
	broker broker.Broker
}

// NewProducer creates a producer over b.
func NewProducer(b broker.Broker) *Producer {
	return &Producer{broker: b}
}

// Publish validates rec and publishes it as JSON to the topic of its kind,
// keyed by natural key. It returns once the broker has acknowledged.
func (p *Producer) Publish(ctx context.Context, rec model.Record) (model.TopicType, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("ingest: encode %s: %w", rec.Kind(), err)
	}
	topic := rec.Kind().TopicType()
	if err := p.broker.Publish(ctx, topic, rec.NaturalKey(), body); err != nil {
		return topic, err
	}
	return topic, nil
}

// PublishRaw decodes payload as kind and publishes it.
func (p *Producer) PublishRaw(ctx context.Context, kind model.Kind, payload []byte) (model.Record, model.TopicType, error) {
	rec, err := model.Decode(kind, payload)
	if err != nil {
		return nil, "", err
	}
	topic, err := p.Publish(ctx, rec)
	return rec, topic, err
}
