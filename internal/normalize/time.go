package normalize

import (
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

// layouts the provider has been seen to emit that cast does not try itself.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000Z07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
	"20060102T150405Z",
	"20060102T150405",
	"20060102",
}

// ParseTime parses s leniently. Values without a zone are read as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	t, err := cast.ToTimeInDefaultLocationE(s, time.UTC)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// parseTime accepts strings, unix timestamps (seconds or milliseconds) and
// Google-style {"dateTime": ..., "date": ...} objects.
func parseTime(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		return ParseTime(v.String())
	case gjson.Number:
		n := v.Int()
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	case gjson.JSON:
		if v.IsObject() {
			for _, p := range []string{"dateTime", "date_time", "date"} {
				if inner := v.Get(p); inner.Exists() {
					if t, ok := parseTime(inner); ok {
						return t, true
					}
				}
			}
		}
	}
	return time.Time{}, false
}
