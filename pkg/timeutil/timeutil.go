// Package timeutil provides the calendar helpers the engine uses to turn
// instants into calendar days of one canonical timezone.
package timeutil

import (
	"fmt"
	"time"
)

// DefaultZone is used when no timezone is configured.
const DefaultZone = "America/Sao_Paulo"

// Clock returns the current instant. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

// Now implements Clock.
func (c FixedClock) Now() time.Time { return c.At }

// Calendar maps instants onto calendar days of a single zone.
// All streak and recency arithmetic goes through one Calendar.
type Calendar struct {
	loc *time.Location
}

// NewCalendar builds a Calendar for the named IANA zone.
func NewCalendar(zone string) (Calendar, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return Calendar{loc: loc}, nil
}

// CalendarIn builds a Calendar from an already loaded location.
func CalendarIn(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// Location returns the canonical zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Day truncates t to midnight of its calendar day in the canonical zone.
func (c Calendar) Day(t time.Time) time.Time {
	local := t.In(c.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location())
}

// Date builds midnight of the given calendar day in the canonical zone.
func (c Calendar) Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, c.Location())
}

// DaysBetween returns the number of calendar days from a to b in the
// canonical zone. Negative when b is before a. DST shifts do not affect
// the result because both sides are reduced to civil dates first.
func (c Calendar) DaysBetween(a, b time.Time) int {
	da := c.Day(a)
	db := c.Day(b)
	ua := time.Date(da.Year(), da.Month(), da.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(db.Year(), db.Month(), db.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// FormatDate formats a day as YYYY-MM-DD in the canonical zone.
func (c Calendar) FormatDate(t time.Time) string {
	return t.In(c.Location()).Format("2006-01-02")
}

// ParseDate parses YYYY-MM-DD as a day in the canonical zone.
func (c Calendar) ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, c.Location())
}
