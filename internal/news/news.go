// Package news tracks scheduled high-impact event windows. Positions are
// flattened ahead of a window and no new positions open inside one.
package news

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"perpbot-go/internal/config"
)

// Window is one daily blackout interval in UTC minutes-of-day.
type Window struct {
	Label      string
	StartOfDay int // minutes since 00:00 UTC
	EndOfDay   int
}

// Calendar answers blackout queries against the configured daily windows.
type Calendar struct {
	windows []Window
	log     zerolog.Logger
}

// NewCalendar parses the configured windows. Malformed entries are rejected
// so a typo in the schedule fails at startup, not at exit time.
func NewCalendar(cfg []config.NewsWindow, log zerolog.Logger) (*Calendar, error) {
	c := &Calendar{log: log}
	for _, w := range cfg {
		start, err := parseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("news window %q start: %w", w.Label, err)
		}
		end, err := parseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("news window %q end: %w", w.Label, err)
		}
		if end <= start {
			return nil, fmt.Errorf("news window %q: end %s not after start %s", w.Label, w.End, w.Start)
		}
		c.windows = append(c.windows, Window{Label: w.Label, StartOfDay: start, EndOfDay: end})
	}
	return c, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Active reports whether now falls inside a blackout window.
func (c *Calendar) Active(now time.Time) (Window, bool) {
	m := minuteOfDay(now)
	for _, w := range c.windows {
		if m >= w.StartOfDay && m < w.EndOfDay {
			return w, true
		}
	}
	return Window{}, false
}

// Upcoming reports whether a window starts within the lead duration (or is
// already active). The closer flattens positions when this fires.
func (c *Calendar) Upcoming(now time.Time, lead time.Duration) (Window, bool) {
	if w, ok := c.Active(now); ok {
		return w, true
	}
	m := minuteOfDay(now)
	leadMin := int(lead.Minutes())
	for _, w := range c.windows {
		gap := w.StartOfDay - m
		if gap < 0 {
			gap += 24 * 60 // window starts tomorrow
		}
		if gap <= leadMin {
			return w, true
		}
	}
	return Window{}, false
}

func minuteOfDay(t time.Time) int {
	u := t.UTC()
	return u.Hour()*60 + u.Minute()
}
