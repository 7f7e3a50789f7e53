package enrich

import (
	"encoding/json"
	"strings"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// Text returns the searchable text of a record: the transcript for
// conversations, subjects and bodies for email threads, title and
// description for calendar events, and compact JSON for everything else.
func Text(rec model.Record) string {
	switch r := rec.(type) {
	case *model.Conversation:
		return r.RawTranscript
	case *model.EmailThread:
		var b strings.Builder
		for _, e := range r.Emails {
			if e.Subject != "" {
				b.WriteString(e.Subject)
				b.WriteString("\n")
			}
			if e.BodyText != "" {
				b.WriteString(e.BodyText)
				b.WriteString("\n\n")
			}
		}
		return strings.TrimSpace(b.String())
	case *model.CalendarEvent:
		return strings.TrimSpace(r.Title + "\n" + r.Description)
	case *model.ProductUsage:
		if len(r.Events) == 0 {
			return ""
		}
		return marshalText(r.Events)
	case *model.AgentData:
		return string(r.AgentType) + "\n" + marshalText(r.Data)
	}
	return marshalText(rec)
}

func marshalText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// recordContext returns the account identifiers a record carries.
func recordContext(rec model.Record) (companyDomain, opportunityID string) {
	switch r := rec.(type) {
	case *model.Conversation:
		return r.CompanyDomain, r.OpportunityID
	case *model.EmailThread:
		return r.CompanyDomain, r.OpportunityID
	case *model.CalendarEvent:
		return r.CompanyDomain, r.OpportunityID
	case *model.ProductUsage:
		return r.CompanyDomain, ""
	case *model.AgentData:
		domain, _ := r.Data["company_domain"].(string)
		opp, _ := r.Data["opportunity_id"].(string)
		return domain, opp
	}
	return "", ""
}

// applyInsights returns the record to store in the silver layer. Calendar
// events have typed slots for meeting insights, which are filled on a copy;
// the bronze record is never modified.
func applyInsights(rec model.Record, insights map[string]any) model.Record {
	ce, ok := rec.(*model.CalendarEvent)
	if !ok {
		return rec
	}
	cp := *ce
	if v, ok := insights["meeting_summary"].(map[string]any); ok {
		cp.MeetingSummary = v
	}
	if v, ok := insights["sentiment_analysis"].(map[string]any); ok {
		cp.SentimentAnalysis = v
	}
	if items, ok := insights["action_items"].([]any); ok {
		cp.ActionItems = make([]map[string]any, 0, len(items))
		for _, it := range items {
			switch v := it.(type) {
			case map[string]any:
				cp.ActionItems = append(cp.ActionItems, v)
			case string:
				cp.ActionItems = append(cp.ActionItems, map[string]any{"description": v})
			}
		}
	}
	return &cp
}
