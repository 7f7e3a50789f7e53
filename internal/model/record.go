// Package model defines the go-to-market record types accepted by the data lake,
// their validation rules, and the HTTP API envelopes shared by the server.
//
// Every record variant carries exactly one natural key and one partition
// timestamp. Both are checked by Validate before a record is accepted; a record
// that fails validation is never written to storage.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a record variant.
type Kind string

const (
	KindConversation  Kind = "conversation"
	KindEmailThread   Kind = "email_thread"
	KindProductUsage  Kind = "product_usage"
	KindCalendarEvent Kind = "calendar_event"
	KindAgentData     Kind = "agent_data"
)

// Kinds returns every record kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindConversation, KindEmailThread, KindProductUsage, KindCalendarEvent, KindAgentData}
}

// TopicType is the logical message category a record travels on.
type TopicType string

const (
	TopicConversations  TopicType = "conversations"
	TopicEmails         TopicType = "emails"
	TopicProductUsage   TopicType = "product_usage"
	TopicCalendarEvents TopicType = "calendar_events"
	TopicAgentData      TopicType = "agent_data"
)

// TopicTypes returns the five ingestion topic types in a stable order.
func TopicTypes() []TopicType {
	return []TopicType{TopicConversations, TopicEmails, TopicProductUsage, TopicCalendarEvents, TopicAgentData}
}

var kindTopics = map[Kind]TopicType{
	KindConversation:  TopicConversations,
	KindEmailThread:   TopicEmails,
	KindProductUsage:  TopicProductUsage,
	KindCalendarEvent: TopicCalendarEvents,
	KindAgentData:     TopicAgentData,
}

// TopicType returns the topic type records of this kind are published on.
func (k Kind) TopicType() TopicType {
	return kindTopics[k]
}

// DataType returns the storage data-type path segment for this kind.
// It is the same token as the topic type ("emails" for email threads).
func (k Kind) DataType() string {
	return string(kindTopics[k])
}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	_, ok := kindTopics[k]
	return ok
}

// KindForTopic maps a topic type back to the record kind it carries.
func KindForTopic(t TopicType) (Kind, bool) {
	for k, tt := range kindTopics {
		if tt == t {
			return k, true
		}
	}
	return "", false
}

// ParseKind accepts a kind name or its topic type ("emails" → email_thread).
// Hyphens are treated as underscores so URL path segments resolve directly.
func ParseKind(s string) (Kind, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if k := Kind(s); k.Valid() {
		return k, nil
	}
	if k, ok := KindForTopic(TopicType(s)); ok {
		return k, nil
	}
	switch s {
	case "email", "emails":
		return KindEmailThread, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Record is the capability shared by every record variant.
type Record interface {
	// Kind identifies the variant.
	Kind() Kind
	// NaturalKey is the caller-supplied unique identifier.
	NaturalKey() string
	// PartitionTime is the instant that determines the storage partition.
	PartitionTime() (time.Time, error)
	// Validate checks required fields. It returns a *ValidationError.
	Validate() error
}

var (
	// ErrInvalidRecord is matched by every *ValidationError.
	ErrInvalidRecord = errors.New("model: invalid record")

	// ErrUnknownAgentType is returned for an agent_type outside the fixed tag set.
	ErrUnknownAgentType = errors.New("model: unknown agent type")

	// ErrUnknownKind is returned when a kind or topic name is not recognized.
	ErrUnknownKind = errors.New("model: unknown record kind")
)

// ValidationError reports a missing or malformed required field.
// It is never retryable.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("model: invalid %s: %s: %s", e.Kind, e.Field, e.Reason)
}

// Is matches ErrInvalidRecord for every validation error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRecord
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func missing(kind Kind, field string) error {
	return &ValidationError{Kind: kind, Field: field, Reason: "is required"}
}

func requireString(kind Kind, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return missing(kind, field)
	}
	return nil
}

func requireTime(kind Kind, field string, ts Timestamp) error {
	if ts == "" {
		return missing(kind, field)
	}
	if _, err := ts.Time(); err != nil {
		return &ValidationError{Kind: kind, Field: field, Reason: "is not a valid timestamp", Err: err}
	}
	return nil
}

// New returns an empty record of the given kind, ready for unmarshalling.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindConversation:
		return &Conversation{}, nil
	case KindEmailThread:
		return &EmailThread{}, nil
	case KindProductUsage:
		return &ProductUsage{}, nil
	case KindCalendarEvent:
		return &CalendarEvent{}, nil
	case KindAgentData:
		return &AgentData{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Decode parses payload as a record of the given kind and validates it.
// Decoding fails closed: malformed JSON and missing required fields both
// return an error matching ErrInvalidRecord.
func Decode(kind Kind, payload []byte) (Record, error) {
	rec, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, &ValidationError{Kind: kind, Field: "body", Reason: "is not valid JSON", Err: err}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := requirePresent(kind, payload); err != nil {
		return nil, err
	}
	return rec, nil
}

// presentFields lists fields a payload must carry even when their value is
// empty.
var presentFields = map[Kind][]string{
	KindConversation: {"raw_transcript"},
}

func requirePresent(kind Kind, payload []byte) error {
	fields := presentFields[kind]
	if len(fields) == 0 {
		return nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		return &ValidationError{Kind: kind, Field: "body", Reason: "is not a JSON object", Err: err}
	}
	for _, f := range fields {
		if v, ok := keys[f]; !ok || string(v) == "null" {
			return missing(kind, f)
		}
	}
	return nil
}

// PartitionDate returns the UTC calendar date of the record's partition time.
func PartitionDate(rec Record) (year, month, day int, err error) {
	t, err := rec.PartitionTime()
	if err != nil {
		return 0, 0, 0, err
	}
	t = t.UTC()
	return t.Year(), int(t.Month()), t.Day(), nil
}
