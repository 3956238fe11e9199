package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// naive layouts carry no zone and are read as UTC
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// NormalizeTimestamp converts a stored timestamp to UTC. Accepted forms are
// time.Time, integer or float unix milliseconds, and ISO-8601 strings with
// or without a zone offset.
func NormalizeTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case int:
		return time.UnixMilli(int64(t)).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", t, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	case []byte:
		return parseISO(string(t))
	case string:
		return parseISO(t)
	case nil:
		return time.Time{}, fmt.Errorf("timestamp missing")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

func parseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
