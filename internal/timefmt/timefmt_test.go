package timefmt

import (
	"testing"
	"time"
)

func TestDayLabel(t *testing.T) {
	// A Wednesday, mid-afternoon.
	now := time.Date(2025, time.June, 18, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"same day", now.Add(-2 * time.Hour), "Today"},
		{"just after midnight", time.Date(2025, time.June, 18, 0, 1, 0, 0, time.UTC), "Today"},
		{"yesterday", now.AddDate(0, 0, -1), "Yesterday"},
		{"two days ago", now.AddDate(0, 0, -2), "Monday"},
		{"a week ago", now.AddDate(0, 0, -7), "Wednesday"},
		{"eight days ago", now.AddDate(0, 0, -8), "Tue, Jun 10"},
		{"months ago", time.Date(2025, time.January, 3, 10, 0, 0, 0, time.UTC), "Fri, Jan 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DayLabel(tt.t, now); got != tt.want {
				t.Errorf("DayLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNeedsSeparator(t *testing.T) {
	a := time.Date(2025, time.June, 18, 23, 59, 0, 0, time.UTC)
	b := time.Date(2025, time.June, 19, 0, 1, 0, 0, time.UTC)
	if !NeedsSeparator(a, b) {
		t.Error("expected separator across midnight")
	}
	if NeedsSeparator(a, a.Add(-time.Hour)) {
		t.Error("unexpected separator within the same day")
	}
}
