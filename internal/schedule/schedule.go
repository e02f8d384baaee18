// Package schedule computes when the next campaign message may be sent.
package schedule

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/foxzi/zapflow/internal/models"
)

const (
	// horizonDays is how many non-holiday days are searched for an open window
	horizonDays = 7
	// maxSearchDays bounds the search across long holiday runs
	maxSearchDays = 400
)

// Policy is the campaign pacing interval
type Policy struct {
	MinInterval time.Duration
	MaxInterval time.Duration
}

// PolicyFor returns the pacing policy of a campaign
func PolicyFor(c *models.Campaign) Policy {
	return Policy{
		MinInterval: time.Duration(c.IntervalMinSeconds) * time.Second,
		MaxInterval: time.Duration(c.IntervalMaxSeconds) * time.Second,
	}
}

// Scheduler samples send delays and applies business hours
type Scheduler struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a scheduler. A nil rng uses a randomly seeded source.
func New(rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scheduler{rnd: rng}
}

// Next returns the instant the next send may happen. The result is at
// least now+MinInterval unless a business-hours push moved it further.
func (s *Scheduler) Next(now time.Time, p Policy, cal *Calendar, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t := now.Add(s.sample(p))
	if !cal.Restricted() {
		return t, nil
	}
	return cal.NextOpen(t, loc)
}

func (s *Scheduler) sample(p Policy) time.Duration {
	lo, hi := p.MinInterval, p.MaxInterval
	if hi < lo {
		hi = lo
	}
	if hi == lo {
		return lo
	}
	s.mu.Lock()
	n := s.rnd.Int64N(int64(hi-lo) + 1)
	s.mu.Unlock()
	return lo + time.Duration(n)
}

// NextOpen returns t when it falls inside an open window on a non-holiday,
// otherwise the start of the next open window.
func (c *Calendar) NextOpen(t time.Time, loc *time.Location) (time.Time, error) {
	if !c.Restricted() {
		return t, nil
	}

	local := t.In(loc)
	year, month, day := local.Date()
	workdays := 0

	for i := 0; i < maxSearchDays; i++ {
		date := time.Date(year, month, day+i, 0, 0, 0, 0, loc)
		if _, holiday := c.Holidays[date.Format(time.DateOnly)]; holiday {
			continue
		}
		workdays++
		// today plus a full week
		if workdays > horizonDays+1 {
			break
		}

		for _, w := range c.windowsFor(date.Weekday()) {
			start := at(date, w.Open, loc)
			end := at(date, w.Close, loc)
			if local.Before(start) {
				return start, nil
			}
			if local.Before(end) {
				return t, nil
			}
		}
	}

	return time.Time{}, models.ErrNoOpenWindow
}

// IsOpen reports whether sending is allowed at t
func (c *Calendar) IsOpen(t time.Time, loc *time.Location) bool {
	next, err := c.NextOpen(t, loc)
	return err == nil && next.Equal(t)
}

func at(date time.Time, minutes int, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, minutes/60, minutes%60, 0, 0, loc)
}
