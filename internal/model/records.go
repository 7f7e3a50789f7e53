package model

import (
	"time"
)

// Conversation is a sales call transcript.
type Conversation struct {
	ConversationID string           `json:"conversation_id"`
	Timestamp      Timestamp        `json:"timestamp"`
	RawTranscript  string           `json:"raw_transcript"`
	OpportunityID  string           `json:"opportunity_id,omitempty"`
	CompanyDomain  string           `json:"company_domain,omitempty"`
	Participants   []map[string]any `json:"participants,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

func (c *Conversation) Kind() Kind         { return KindConversation }
func (c *Conversation) NaturalKey() string { return c.ConversationID }

func (c *Conversation) PartitionTime() (time.Time, error) {
	return c.Timestamp.Time()
}

func (c *Conversation) Validate() error {
	if err := requireString(KindConversation, "conversation_id", c.ConversationID); err != nil {
		return err
	}
	// raw_transcript may be empty; Decode checks that the payload carries it.
	return requireTime(KindConversation, "timestamp", c.Timestamp)
}

// Email is one message in an EmailThread.
type Email struct {
	EmailID   string         `json:"email_id,omitempty"`
	From      string         `json:"from,omitempty"`
	To        []string       `json:"to,omitempty"`
	CC        []string       `json:"cc,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	BodyText  string         `json:"body_text,omitempty"`
	Timestamp Timestamp      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EmailThread is an ordered sequence of emails. The first email's timestamp
// determines the partition.
type EmailThread struct {
	ThreadID      string  `json:"thread_id"`
	OpportunityID string  `json:"opportunity_id,omitempty"`
	CompanyDomain string  `json:"company_domain,omitempty"`
	Emails        []Email `json:"emails"`
}

func (e *EmailThread) Kind() Kind         { return KindEmailThread }
func (e *EmailThread) NaturalKey() string { return e.ThreadID }

func (e *EmailThread) PartitionTime() (time.Time, error) {
	if len(e.Emails) == 0 {
		return time.Time{}, missing(KindEmailThread, "emails")
	}
	return e.Emails[0].Timestamp.Time()
}

func (e *EmailThread) Validate() error {
	if err := requireString(KindEmailThread, "thread_id", e.ThreadID); err != nil {
		return err
	}
	if len(e.Emails) == 0 {
		return missing(KindEmailThread, "emails")
	}
	return requireTime(KindEmailThread, "emails[0].timestamp", e.Emails[0].Timestamp)
}

// UsageEvent is a single product interaction within a session.
type UsageEvent struct {
	EventType  string         `json:"event_type"`
	Timestamp  Timestamp      `json:"timestamp,omitempty"`
	Feature    string         `json:"feature,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ProductUsage is one user session of product events.
type ProductUsage struct {
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Timestamp      Timestamp      `json:"timestamp"`
	CompanyDomain  string         `json:"company_domain,omitempty"`
	Events         []UsageEvent   `json:"events"`
	SessionSummary map[string]any `json:"session_summary,omitempty"`
}

func (p *ProductUsage) Kind() Kind         { return KindProductUsage }
func (p *ProductUsage) NaturalKey() string { return p.SessionID }

func (p *ProductUsage) PartitionTime() (time.Time, error) {
	return p.Timestamp.Time()
}

func (p *ProductUsage) Validate() error {
	if err := requireString(KindProductUsage, "session_id", p.SessionID); err != nil {
		return err
	}
	if err := requireString(KindProductUsage, "user_id", p.UserID); err != nil {
		return err
	}
	if err := requireTime(KindProductUsage, "timestamp", p.Timestamp); err != nil {
		return err
	}
	if p.Events == nil {
		return missing(KindProductUsage, "events")
	}
	return nil
}

// CalendarEvent is a scheduled meeting. MeetingSummary, SentimentAnalysis and
// ActionItems are filled in after ingestion by enrichment, never by producers.
type CalendarEvent struct {
	EventID           string           `json:"event_id"`
	Title             string           `json:"title"`
	StartTime         Timestamp        `json:"start_time"`
	EndTime           Timestamp        `json:"end_time"`
	Description       string           `json:"description,omitempty"`
	Location          string           `json:"location,omitempty"`
	Attendees         []map[string]any `json:"attendees"`
	Organizer         map[string]any   `json:"organizer"`
	OpportunityID     string           `json:"opportunity_id,omitempty"`
	CompanyDomain     string           `json:"company_domain,omitempty"`
	MeetingType       string           `json:"meeting_type,omitempty"`
	MeetingSummary    map[string]any   `json:"meeting_summary,omitempty"`
	SentimentAnalysis map[string]any   `json:"sentiment_analysis,omitempty"`
	ActionItems       []map[string]any `json:"action_items,omitempty"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

func (c *CalendarEvent) Kind() Kind         { return KindCalendarEvent }
func (c *CalendarEvent) NaturalKey() string { return c.EventID }

func (c *CalendarEvent) PartitionTime() (time.Time, error) {
	return c.StartTime.Time()
}

func (c *CalendarEvent) Validate() error {
	if err := requireString(KindCalendarEvent, "event_id", c.EventID); err != nil {
		return err
	}
	if err := requireString(KindCalendarEvent, "title", c.Title); err != nil {
		return err
	}
	if err := requireTime(KindCalendarEvent, "start_time", c.StartTime); err != nil {
		return err
	}
	if err := requireTime(KindCalendarEvent, "end_time", c.EndTime); err != nil {
		return err
	}
	if c.Attendees == nil {
		return missing(KindCalendarEvent, "attendees")
	}
	if len(c.Organizer) == 0 {
		return missing(KindCalendarEvent, "organizer")
	}
	return nil
}
