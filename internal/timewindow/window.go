package timewindow

import (
	"fmt"
	"time"
)

// Window is a recurring daily time window in venue-local time, expressed in
// minutes since midnight. A window whose end precedes its start wraps past
// midnight (22:00-02:00 covers late night into the next calendar day).
type Window struct {
	start int
	end   int
}

// Parse builds a Window from "HH:MM" start and end strings.
func Parse(start, end string) (Window, error) {
	s, err := parseMinutes(start)
	if err != nil {
		return Window{}, fmt.Errorf("parse window start: %w", err)
	}
	e, err := parseMinutes(end)
	if err != nil {
		return Window{}, fmt.Errorf("parse window end: %w", err)
	}
	if s == e {
		return Window{}, fmt.Errorf("window start and end are both %s", start)
	}
	return Window{start: s, end: e}, nil
}

func parseMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Wraps reports whether the window spans midnight.
func (w Window) Wraps() bool {
	return w.end < w.start
}

// Contains reports whether t falls inside the window. The caller is
// responsible for converting t to venue-local time first. The start minute is
// inclusive and the end minute exclusive, so back-to-back windows never
// overlap.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.Wraps() {
		return m >= w.start || m < w.end
	}
	return m >= w.start && m < w.end
}

// Valid reports whether both endpoints parse as "HH:MM" clock times.
func Valid(start, end string) bool {
	_, err := Parse(start, end)
	return err == nil
}
