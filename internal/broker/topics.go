package broker

import (
	"fmt"
	"slices"
	"time"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// DeadLetter is the topic type that receives records whose storage write
// failed after retries.
const DeadLetter model.TopicType = "dead_letter"

// Topic is the static configuration of one physical topic.
type Topic struct {
	Type              model.TopicType
	Name              string
	Partitions        int
	ReplicationFactor int
	Retention         time.Duration
}

const (
	defaultPartitions        = 3
	defaultReplicationFactor = 1
	defaultRetention         = 7 * 24 * time.Hour
)

// Topics maps logical topic types to physical names ("{prefix}.{type}").
// Lookups in both directions are exact; no substring matching.
type Topics struct {
	prefix  string
	ordered []Topic
	byType  map[model.TopicType]Topic
	byName  map[string]model.TopicType
}

// NewTopics builds the table for the five ingestion topic types plus the
// dead-letter topic. An empty prefix yields bare type names.
func NewTopics(prefix string) *Topics {
	t := &Topics{
		prefix: prefix,
		byType: make(map[model.TopicType]Topic),
		byName: make(map[string]model.TopicType),
	}
	for _, tt := range append(model.TopicTypes(), DeadLetter) {
		name := string(tt)
		if prefix != "" {
			name = prefix + "." + name
		}
		topic := Topic{
			Type:              tt,
			Name:              name,
			Partitions:        defaultPartitions,
			ReplicationFactor: defaultReplicationFactor,
			Retention:         defaultRetention,
		}
		t.ordered = append(t.ordered, topic)
		t.byType[tt] = topic
		t.byName[name] = tt
	}
	return t
}

// Prefix returns the topic name prefix.
func (t *Topics) Prefix() string { return t.prefix }

// Name returns the physical topic name for tt.
func (t *Topics) Name(tt model.TopicType) (string, error) {
	topic, ok := t.byType[tt]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, tt)
	}
	return topic.Name, nil
}

// Names returns the physical names for types, failing on the first unknown type.
func (t *Topics) Names(types []model.TopicType) ([]string, error) {
	names := make([]string, 0, len(types))
	for _, tt := range types {
		name, err := t.Name(tt)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Type returns the topic type for a physical topic name.
func (t *Topics) Type(name string) (model.TopicType, bool) {
	tt, ok := t.byName[name]
	return tt, ok
}

// All returns every configured topic, ingestion topics first.
func (t *Topics) All() []Topic {
	return slices.Clone(t.ordered)
}
