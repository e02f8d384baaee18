package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/zapflow/internal/models"
)

const minutesPerDay = 24 * 60

// Window is an open interval of a day in minutes since local midnight
type Window struct {
	Open  int
	Close int
}

// Calendar is the parsed form of a tenant business-hours calendar.
// No weekly windows with holidays present means open all day except
// on holidays.
type Calendar struct {
	Windows  map[time.Weekday][]Window
	Holidays map[string]string
}

// FromModel parses a stored calendar. A nil calendar yields nil.
func FromModel(c *models.Calendar) (*Calendar, error) {
	if c == nil {
		return nil, nil
	}

	cal := &Calendar{
		Windows:  make(map[time.Weekday][]Window),
		Holidays: make(map[string]string, len(c.Holidays)),
	}

	for _, h := range c.Hours {
		if h.Weekday < 0 || h.Weekday > 6 {
			return nil, fmt.Errorf("invalid weekday %d", h.Weekday)
		}
		open, err := parseClock(h.Open)
		if err != nil {
			return nil, fmt.Errorf("invalid open time for weekday %d: %w", h.Weekday, err)
		}
		closeAt, err := parseClock(h.Close)
		if err != nil {
			return nil, fmt.Errorf("invalid close time for weekday %d: %w", h.Weekday, err)
		}
		if closeAt <= open {
			return nil, fmt.Errorf("window %s-%s on weekday %d closes before it opens", h.Open, h.Close, h.Weekday)
		}
		day := time.Weekday(h.Weekday)
		cal.Windows[day] = append(cal.Windows[day], Window{Open: open, Close: closeAt})
	}

	for day := range cal.Windows {
		ws := cal.Windows[day]
		sort.Slice(ws, func(i, j int) bool { return ws[i].Open < ws[j].Open })
	}

	for _, h := range c.Holidays {
		if _, err := time.Parse(time.DateOnly, h.Date); err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", h.Date, err)
		}
		cal.Holidays[h.Date] = h.Name
	}

	return cal, nil
}

// parseClock reads HH:MM into minutes. 24:00 is accepted as end of day.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time out of range: %q", s)
	}
	return h*60 + m, nil
}

// Restricted reports whether the calendar limits sending at all
func (c *Calendar) Restricted() bool {
	return c != nil && (len(c.Windows) > 0 || len(c.Holidays) > 0)
}

// IsHoliday reports whether the local date of t is a holiday
func (c *Calendar) IsHoliday(t time.Time, loc *time.Location) bool {
	if c == nil {
		return false
	}
	_, ok := c.Holidays[t.In(loc).Format(time.DateOnly)]
	return ok
}

func (c *Calendar) windowsFor(day time.Weekday) []Window {
	if len(c.Windows) == 0 {
		return []Window{{Open: 0, Close: minutesPerDay}}
	}
	return c.Windows[day]
}
