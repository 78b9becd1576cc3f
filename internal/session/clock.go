// Package session computes DST-aware trading session opens.
//
// Session opens follow civil time in the host city, not UTC: a purely UTC
// schedule would drift by one hour twice a year against actual market hours.
// The Asian open is the exception since Japan does not observe DST.
package session

import (
	"fmt"
	"time"
)

// ID names one of the three daily session opens.
type ID string

const (
	Asian   ID = "Asian_Open"
	London  ID = "London_Open"
	NewYork ID = "NY_Open"
)

// IDs in open order within a UTC day.
var IDs = []ID{Asian, London, NewYork}

// DisplayName returns the human-readable session name.
func (id ID) DisplayName() string {
	switch id {
	case Asian:
		return "Asian Open"
	case London:
		return "London Open"
	case NewYork:
		return "NY Open"
	}
	return string(id)
}

// MonitorWindow is how long positions stay open after a session opens
// before the engine reconciles whatever is left.
const MonitorWindow = 4 * time.Hour

// Session is one session open on one calendar date. Immutable once created,
// identified by (ID, Open).
type Session struct {
	ID   ID
	Open time.Time // exact UTC instant of the open
}

// End returns the end of the session's monitoring window.
func (s Session) End() time.Time {
	return s.Open.Add(MonitorWindow)
}

// Key returns a stable identifier string for timer and log labels.
func (s Session) Key() string {
	return fmt.Sprintf("%s_%s", s.ID, s.Open.UTC().Format(time.RFC3339))
}

// MarketState classifies the market for the dashboard.
type MarketState string

const (
	StateActive       MarketState = "active"
	StateUpcoming     MarketState = "upcoming"
	StateMarketClosed MarketState = "market_closed"
)

// Status is the dashboard view of where we are in the session cycle.
type Status struct {
	State     MarketState
	Session   Session
	TimeUntil time.Duration // until open when upcoming/closed, until end when active
}

// Clock computes session opens. The London and New York zones are loaded
// once at construction.
type Clock struct {
	london  *time.Location
	newYork *time.Location
}

// NewClock loads the session home timezones.
func NewClock() (*Clock, error) {
	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		return nil, fmt.Errorf("load Europe/London: %w", err)
	}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load America/New_York: %w", err)
	}
	return &Clock{london: london, newYork: ny}, nil
}

// OpenTime returns the UTC open instant for a session on the given calendar
// date (interpreted in UTC). Asian is fixed 01:00 UTC; London opens 08:00
// local London time; New York opens 09:30 local New York time.
func (c *Clock) OpenTime(id ID, date time.Time) time.Time {
	d := date.UTC()
	y, m, day := d.Date()

	switch id {
	case Asian:
		return time.Date(y, m, day, 1, 0, 0, 0, time.UTC)
	case London:
		return time.Date(y, m, day, 8, 0, 0, 0, c.london).UTC()
	case NewYork:
		return time.Date(y, m, day, 9, 30, 0, 0, c.newYork).UTC()
	}
	return time.Time{}
}

// NextSession returns the earliest session open strictly after now,
// scanning today and the next six calendar days and skipping weekends.
func (c *Clock) NextSession(now time.Time) Session {
	now = now.UTC()

	for offset := 0; offset < 7; offset++ {
		date := now.AddDate(0, 0, offset)
		wd := date.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, id := range IDs {
			open := c.OpenTime(id, date)
			if open.After(now) {
				return Session{ID: id, Open: open}
			}
		}
	}

	// Unreachable: any 7-day span contains a weekday with a future open.
	date := now.AddDate(0, 0, 7)
	return Session{ID: Asian, Open: c.OpenTime(Asian, date)}
}

// CurrentStatus classifies now against the session cycle. Weekends report
// market_closed with the next open attached; a session is active from its
// open until the end of its monitoring window.
func (c *Clock) CurrentStatus(now time.Time) Status {
	now = now.UTC()
	next := c.NextSession(now)

	wd := now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return Status{State: StateMarketClosed, Session: next, TimeUntil: next.Open.Sub(now)}
	}

	// Check sessions that opened earlier today and are still in their window.
	// Scan in reverse open order so overlaps prefer the most recent open.
	for i := len(IDs) - 1; i >= 0; i-- {
		open := c.OpenTime(IDs[i], now)
		if !open.After(now) && now.Before(open.Add(MonitorWindow)) {
			s := Session{ID: IDs[i], Open: open}
			return Status{State: StateActive, Session: s, TimeUntil: s.End().Sub(now)}
		}
	}

	return Status{State: StateUpcoming, Session: next, TimeUntil: next.Open.Sub(now)}
}
