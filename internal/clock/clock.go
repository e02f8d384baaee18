package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock abstracts wall time and sleeping so long waits can be driven by tests
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the system clock
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a manually advanced clock. Sleepers wake when Advance moves time
// past their deadline. With AutoAdvance set, a Sleep advances the clock
// itself and returns immediately.
type Fake struct {
	mu          sync.Mutex
	now         time.Time
	sleepers    []*sleeper
	slept       []time.Duration
	autoAdvance bool
}

type sleeper struct {
	until time.Time
	done  chan struct{}
}

// NewFake returns a fake clock at now
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// NewAutoFake returns a fake clock whose sleeps advance time instantly
func NewAutoFake(now time.Time) *Fake {
	return &Fake{now: now, autoAdvance: true}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.slept = append(f.slept, d)
	if f.autoAdvance || d <= 0 {
		if d > 0 {
			f.now = f.now.Add(d)
		}
		f.wakeLocked()
		f.mu.Unlock()
		return nil
	}
	s := &sleeper{until: f.now.Add(d), done: make(chan struct{})}
	f.sleepers = append(f.sleepers, s)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Advance moves time forward and wakes due sleepers
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.wakeLocked()
}

// Set jumps to t and wakes due sleepers
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	f.wakeLocked()
}

func (f *Fake) wakeLocked() {
	sort.Slice(f.sleepers, func(i, j int) bool { return f.sleepers[i].until.Before(f.sleepers[j].until) })
	remaining := f.sleepers[:0]
	for _, s := range f.sleepers {
		if !s.until.After(f.now) {
			close(s.done)
			continue
		}
		remaining = append(remaining, s)
	}
	f.sleepers = remaining
}

// Sleepers returns how many goroutines are blocked in Sleep
func (f *Fake) Sleepers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sleepers)
}

// Slept returns every duration passed to Sleep, in call order
func (f *Fake) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.slept...)
}
