// Package partition maps records to date-partitioned object keys.
//
// Keys have the form
//
//	{layer}/{dataType}/year=YYYY/month=MM/day=DD/{typePrefix}_{naturalKey}.json
//
// Month and day are always two digits so that lexical key order matches
// chronological order and a date range is a contiguous prefix range.
package partition

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ashita-ai/gtmlake/internal/model"
)

// Layer is a medallion storage tier.
type Layer string

const (
	Bronze Layer = "bronze"
	Silver Layer = "silver"
	Gold   Layer = "gold"
)

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	switch l {
	case Bronze, Silver, Gold:
		return true
	}
	return false
}

// Resolve returns the partition directory for a layer, data type and date,
// with a trailing slash.
func Resolve(layer Layer, dataType string, year, month, day int) string {
	return fmt.Sprintf("%s/%s/year=%04d/month=%02d/day=%02d/", layer, dataType, year, month, day)
}

// ResolveTime is Resolve for the UTC calendar date of t.
func ResolveTime(layer Layer, dataType string, t time.Time) string {
	t = t.UTC()
	return Resolve(layer, dataType, t.Year(), int(t.Month()), t.Day())
}

// TypePrefix returns the file-name prefix for a record.
func TypePrefix(rec model.Record) string {
	switch r := rec.(type) {
	case *model.Conversation:
		return "call"
	case *model.EmailThread:
		return "email_thread"
	case *model.ProductUsage:
		return "user_events"
	case *model.CalendarEvent:
		return "calendar_event"
	case *model.AgentData:
		return "agent_" + string(r.AgentType)
	default:
		return string(rec.Kind())
	}
}

// ObjectKey returns the full storage key for rec in the given layer. The key is
// a pure function of the record's kind, natural key and partition time, so
// redelivery of the same record always resolves to the same object.
func ObjectKey(layer Layer, rec model.Record) (string, error) {
	if !layer.Valid() {
		return "", fmt.Errorf("partition: unknown layer %q", layer)
	}
	key := rec.NaturalKey()
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("partition: %s has empty natural key", rec.Kind())
	}
	y, m, d, err := model.PartitionDate(rec)
	if err != nil {
		return "", fmt.Errorf("partition: %s %s: %w", rec.Kind(), key, err)
	}
	return Resolve(layer, rec.Kind().DataType(), y, m, d) + TypePrefix(rec) + "_" + escapeKey(key) + ".json", nil
}

// Relayer rewrites the layer segment of a key produced by ObjectKey.
func Relayer(key string, to Layer) (string, error) {
	first, rest, ok := strings.Cut(key, "/")
	if !ok || !Layer(first).Valid() {
		return "", fmt.Errorf("partition: %q is not a layered key", key)
	}
	return string(to) + "/" + rest, nil
}

// DayPrefix returns the listing prefix for every object of a data type on one day.
func DayPrefix(layer Layer, dataType string, day time.Time) string {
	return ResolveTime(layer, dataType, day)
}

// MonthPrefix returns the listing prefix for every object of a data type in a month.
func MonthPrefix(layer Layer, dataType string, year, month int) string {
	return fmt.Sprintf("%s/%s/year=%04d/month=%02d/", layer, dataType, year, month)
}

// DayPrefixes returns the day prefixes covering [from, to] inclusive, in
// chronological (and therefore lexical) order.
func DayPrefixes(layer Layer, dataType string, from, to time.Time) []string {
	from = truncateDay(from)
	to = truncateDay(to)
	var out []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, DayPrefix(layer, dataType, d))
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// escapeKey percent-encodes a natural key into a single path segment. The
// encoding is injective, so distinct natural keys never share an object.
func escapeKey(key string) string {
	return url.PathEscape(key)
}
