package database

import (
	"database/sql"
	"strings"
	"time"
)

// TimeLayout is the fixed-width UTC layout every timestamp column uses, so
// string comparison in SQL orders the same way as time comparison.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or RFC3339) value. Unparseable input yields
// the zero time.
func ParseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(TimeLayout, value); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

// ParseNullTime converts a nullable column into a time, zero when NULL.
func ParseNullTime(value sql.NullString) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	return ParseTime(value.String)
}

// NullString maps empty strings to NULL.
func NullString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// BoolToInt stores booleans portably.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// MakePlaceholders returns "?, ?, ?" for count parameters.
func MakePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", count), ", ")
}
