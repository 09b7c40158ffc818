package utils

import (
	"strings"
	"time"
)

const DisplayLayout = "2006-01-02 15:04:05 MST"

// Layouts accepted for backend timestamps. Values without an offset are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a backend timestamp, treating naive values as UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders raw in loc. Unparseable input is returned unchanged.
func FormatTimestamp(raw string, loc *time.Location) string {
	t, ok := ParseTimestamp(raw)
	if !ok {
		return raw
	}
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DisplayLayout)
}
