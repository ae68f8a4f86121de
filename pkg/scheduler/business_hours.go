// Package scheduler maintains the durable, time-ordered queue of pending
// instance transitions and resolves business-hours delivery windows.
package scheduler

import (
	"time"
)

// BusinessHours describes the open window used when a delay or action is
// marked businessHoursOnly. Times are interpreted in the lead's timezone.
type BusinessHours struct {
	StartHour int // inclusive, 0-23
	EndHour   int // exclusive, 0-23
	Weekdays  [7]bool
}

// DefaultBusinessHours is Monday through Friday, 09:00-17:00.
func DefaultBusinessHours() BusinessHours {
	var days [7]bool

	for d := time.Monday; d <= time.Friday; d++ {
		days[d] = true
	}

	return BusinessHours{StartHour: 9, EndHour: 17, Weekdays: days}
}

// open reports whether t falls inside the window.
func (b BusinessHours) open(t time.Time) bool {
	if !b.Weekdays[t.Weekday()] {
		return false
	}

	return t.Hour() >= b.StartHour && t.Hour() < b.EndHour
}

// NextOpen shifts t forward to the next open moment in the given location.
// A time already inside the window is returned unchanged; the shift never
// moves backward.
func (b BusinessHours) NextOpen(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	if b.open(local) {
		return t
	}

	// Walk forward day by day to the next open weekday, then snap to the
	// window start. Same-day before-opening times snap to today's start.
	candidate := local

	if candidate.Hour() >= b.EndHour || !b.Weekdays[candidate.Weekday()] {
		candidate = candidate.AddDate(0, 0, 1)
	}

	for !b.Weekdays[candidate.Weekday()] {
		candidate = candidate.AddDate(0, 0, 1)
	}

	opening := time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
		b.StartHour, 0, 0, 0, loc)

	return opening.UTC()
}

// ResolveDue computes the fire time for a delay ending at dueAt. When
// businessHoursOnly is set, the time shifts forward into the lead's next open
// window; otherwise dueAt is returned as-is. Unknown timezones fall back to
// UTC rather than blocking the instance.
func (b BusinessHours) ResolveDue(dueAt time.Time, businessHoursOnly bool, timezone string) time.Time {
	if !businessHoursOnly {
		return dueAt
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}

	return b.NextOpen(dueAt, loc)
}
