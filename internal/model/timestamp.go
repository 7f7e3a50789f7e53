package model

import (
	"fmt"
	"strings"
	"time"
)

// Timestamp is an ISO-8601 instant kept in the producer's textual form so that
// re-encoding a record yields the bytes it arrived with.
type Timestamp string

// Layouts accepted by Timestamp.Time, most specific first. Values without a UTC
// offset are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Time parses the timestamp.
func (ts Timestamp) Time() (time.Time, error) {
	s := strings.TrimSpace(string(ts))
	if s == "" {
		return time.Time{}, fmt.Errorf("model: empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("model: unrecognized timestamp %q", s)
}

// NewTimestamp formats t as RFC 3339 in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Format(time.RFC3339Nano))
}
