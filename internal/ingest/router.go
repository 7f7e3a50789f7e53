package ingest

import (
	"context"
	"fmt"

	"github.com/ashita-ai/gtmlake/internal/broker"
	"github.com/ashita-ai/gtmlake/internal/model"
)

// RecordHandler processes the raw payload of one topic type.
type RecordHandler func(ctx context.Context, payload []byte) error

// Router dispatches a message to the handler registered for its physical
// topic name. Name resolution is an exact lookup in the broker's topic
// table; a name that merely contains a topic type does not match.
type Router struct {
	topics   *broker.Topics
	handlers map[model.TopicType]RecordHandler
}

// NewRouter builds a router over topics with the given handlers.
func NewRouter(topics *broker.Topics, handlers map[model.TopicType]RecordHandler) *Router {
	hs := make(map[model.TopicType]RecordHandler, len(handlers))
	for tt, h := range handlers {
		hs[tt] = h
	}
	return &Router{topics: topics, handlers: hs}
}

// Handle routes payload by physical topic name.
func (r *Router) Handle(ctx context.Context, topic string, payload []byte) error {
	tt, ok := r.topics.Type(topic)
	if !ok {
		return fmt.Errorf("%w: %q", broker.ErrUnknownTopic, topic)
	}
	return r.HandleType(ctx, tt, payload)
}

// HandleType routes payload by logical topic type.
func (r *Router) HandleType(ctx context.Context, tt model.TopicType, payload []byte) error {
	h, ok := r.handlers[tt]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", broker.ErrUnknownTopic, tt)
	}
	return h(ctx, payload)
}

// Types returns the topic types that have a handler.
func (r *Router) Types() []model.TopicType {
	out := make([]model.TopicType, 0, len(r.handlers))
	for _, tt := range model.TopicTypes() {
		if _, ok := r.handlers[tt]; ok {
			out = append(out, tt)
		}
	}
	return out
}

// newRouter registers one handler per record kind: decode and validate the
// payload, then run the store sequence.
func (p *Pipeline) newRouter() *Router {
	topics := broker.NewTopics("")
	if p.broker != nil {
		topics = p.broker.Topics()
	}
	handlers := make(map[model.TopicType]RecordHandler, len(model.Kinds()))
	for _, kind := range model.Kinds() {
		handlers[kind.TopicType()] = func(ctx context.Context, payload []byte) error {
			rec, err := model.Decode(kind, payload)
			if err != nil {
				p.metrics.record(ctx, kind, outcomeInvalid)
				return err
			}
			_, err = p.storeRecord(ctx, rec)
			return err
		}
	}
	return NewRouter(topics, handlers)
}
