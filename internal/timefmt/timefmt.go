// Package timefmt provides the date bucketing used for conversation
// day separators and relative-day labels.
package timefmt

import "time"

// startOfDay truncates t to midnight in its own location.
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a and b fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	return startOfDay(a).Equal(startOfDay(b))
}

// DayLabel formats a message timestamp relative to now: "Today",
// "Yesterday", the weekday name for the last week, or an abbreviated
// date beyond that.
func DayLabel(t, now time.Time) string {
	days := int(startOfDay(now).Sub(startOfDay(t)).Hours() / 24)
	switch {
	case days <= 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days <= 7:
		return t.Weekday().String()
	default:
		return t.Format("Mon, Jan 2")
	}
}

// NeedsSeparator reports whether a date separator belongs between two
// consecutive messages.
func NeedsSeparator(prev, cur time.Time) bool {
	return !SameDay(prev, cur)
}
