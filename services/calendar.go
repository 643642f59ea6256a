package services

import (
	"fmt"
	"time"

	// reference zones must resolve on hosts without a zoneinfo database
	_ "time/tzdata"
)

// DayLayout is the reference-day key format.
const DayLayout = "2006-01-02"

// VisitTimeLayout renders visit instants on passes, e.g. "Mon Jan 2, 2006 3:04 PM".
const VisitTimeLayout = "Mon Jan 2, 2006 3:04 PM"

// Calendar owns every reference-day computation. Day boundaries follow the wall clock of the
// reference zone, so they move with daylight saving transitions.
type Calendar struct {
	loc *time.Location
}

// NewCalendar loads the named IANA zone.
func NewCalendar(zone string) (*Calendar, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load reference timezone %q: %w", zone, err)
	}
	return &Calendar{loc: loc}, nil
}

// MustCalendar is NewCalendar for static zone names.
func MustCalendar(zone string) *Calendar {
	c, err := NewCalendar(zone)
	if err != nil {
		panic(err)
	}
	return c
}

// Location returns the reference zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Day returns the reference-day key of t.
func (c *Calendar) Day(t time.Time) string {
	return t.In(c.loc).Format(DayLayout)
}

// StartOfDay returns the first instant of t's reference day.
func (c *Calendar) StartOfDay(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// NextDayStart returns the first instant of the reference day after t's.
// time.Date normalizes day overflow and resolves the local midnight, which keeps 23 and 25 hour days correct.
func (c *Calendar) NextDayStart(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
}

// EndOfDay returns the last millisecond of t's reference day.
func (c *Calendar) EndOfDay(t time.Time) time.Time {
	return c.NextDayStart(t).Add(-time.Millisecond)
}

// ParseDay reads a YYYY-MM-DD key as midnight in the reference zone.
func (c *Calendar) ParseDay(day string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, day, c.loc)
}

// Format renders t for display on a pass.
func (c *Calendar) Format(t time.Time) string {
	return t.In(c.loc).Format(VisitTimeLayout)
}
