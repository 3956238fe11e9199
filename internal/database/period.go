package database

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// GetToday returns today's date in loc as YYYY-MM-DD.
func GetToday(loc *time.Location) string {
	return time.Now().In(loc).Format(dayLayout)
}

// DayBounds returns the UTC instants bounding a local calendar day given as
// YYYY-MM-DD: [midnight, next midnight).
func DayBounds(day string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	start, err := time.ParseInLocation(dayLayout, day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid day %q: expected YYYY-MM-DD", day)
	}
	end := start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC(), nil
}

// FormatDayDisplay formats a day for human-readable display ("Feb 06, 2026").
func FormatDayDisplay(day string) string {
	d, err := time.Parse(dayLayout, day)
	if err != nil {
		return day
	}
	return d.Format("Jan 02, 2006")
}
