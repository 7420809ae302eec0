// Package clockutil abstracts time so components that depend on wall-clock
// behavior (timers, tickers, deadlines) can be driven deterministically in
// tests instead of sleeping on the real clock.
package clockutil

import (
	"sync"
	"time"
)

// Clock is the seam between real and simulated time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer mirrors the subset of time.Timer that callers need.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker mirrors the subset of time.Ticker that callers need.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration  { return time.Since(t) }
func (RealClock) Sleep(d time.Duration)            { time.Sleep(d) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time       { return r.t.C }
func (r *realTimer) Stop() bool                { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time      { return r.t.C }
func (r *realTicker) Stop()                   { r.t.Stop() }
func (r *realTicker) Reset(d time.Duration)   { r.t.Reset(d) }

// MockClock is a manually-advanced Clock for deterministic tests. The zero
// value is not usable; construct with NewMockClock.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*MockTimer
	tickers []*MockTicker
}

// NewMockClock returns a MockClock starting at the given time.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) Sleep(d time.Duration) {
	c.Advance(d)
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTimer{c: c, fireAt: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTicker{c: c, period: d, nextAt: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing any timers and tickers whose
// deadline has passed, in deadline order.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.now = target

	var pending []func()
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if !t.fireAt.After(target) {
			fireAt := t.fireAt
			tt := t
			pending = append(pending, func() {
				select {
				case tt.ch <- fireAt:
				default:
				}
			})
		}
	}
	for _, t := range c.tickers {
		for !t.stopped && !t.nextAt.After(target) {
			fireAt := t.nextAt
			tt := t
			pending = append(pending, func() {
				select {
				case tt.ch <- fireAt:
				default:
				}
			})
			t.nextAt = t.nextAt.Add(t.period)
		}
	}
	c.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// MockTimer is the Timer implementation returned by MockClock.
type MockTimer struct {
	c       *MockClock
	fireAt  time.Time
	stopped bool
	ch      chan time.Time
}

func (t *MockTimer) C() <-chan time.Time { return t.ch }

func (t *MockTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *MockTimer) Reset(d time.Duration) bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = false
	t.fireAt = t.c.now.Add(d)
	return was
}

// MockTicker is the Ticker implementation returned by MockClock.
type MockTicker struct {
	c       *MockClock
	period  time.Duration
	nextAt  time.Time
	stopped bool
	ch      chan time.Time
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }

func (t *MockTicker) Stop() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.stopped = true
}

func (t *MockTicker) Reset(d time.Duration) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.stopped = false
	t.period = d
	t.nextAt = t.c.now.Add(d)
}
