// Package bizhours does deadline arithmetic over business time.
//
// A business day is any weekday that is not a configured holiday. All 24
// hours of a business day count; weekends and holidays do not count at all.
// Day boundaries are evaluated in the calendar's location.
package bizhours

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Calendar knows which days count toward a business-hour window.
type Calendar struct {
	loc      *time.Location
	holidays map[string]bool
}

// NewCalendar creates a calendar in loc (UTC when nil) with optional holidays.
// Only the date part of each holiday is used.
func NewCalendar(loc *time.Location, holidays ...time.Time) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{loc: loc, holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.Format(dateLayout)] = true
	}
	return c
}

// ParseHolidays parses a comma-separated list of YYYY-MM-DD dates.
func ParseHolidays(csv string) ([]time.Time, error) {
	var out []time.Time
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.Parse(dateLayout, part)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", part, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Location returns the calendar's time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsBusinessDay reports whether the day containing t counts.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	t = t.In(c.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[t.Format(dateLayout)]
}

// AddBusinessHours returns the instant at which hours of business time have
// elapsed since start. A start on a non-business day begins counting at the
// next business midnight.
func (c *Calendar) AddBusinessHours(start time.Time, hours int) time.Time {
	remaining := time.Duration(hours) * time.Hour
	t := start.In(c.loc)
	for remaining > 0 {
		next := c.nextMidnight(t)
		if !c.IsBusinessDay(t) {
			t = next
			continue
		}
		avail := next.Sub(t)
		if avail >= remaining {
			return t.Add(remaining)
		}
		remaining -= avail
		t = next
	}
	return t
}

// Between returns the business time elapsed from from to to. It is zero when
// to is not after from.
func (c *Calendar) Between(from, to time.Time) time.Duration {
	if !to.After(from) {
		return 0
	}
	var total time.Duration
	t := from.In(c.loc)
	to = to.In(c.loc)
	for t.Before(to) {
		next := c.nextMidnight(t)
		end := next
		if to.Before(end) {
			end = to
		}
		if c.IsBusinessDay(t) {
			total += end.Sub(t)
		}
		t = next
	}
	return total
}

func (c *Calendar) nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
}
