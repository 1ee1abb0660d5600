// Package timeutil lets components wait on time through an injectable Clock
// so tests can drive tickers, reconnect delays and retry backoff by hand.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the pipeline waits on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer fires once on C unless stopped first.
type Timer interface {
	C() <-chan time.Time
	// Stop reports whether the timer was still pending.
	Stop() bool
}

// Ticker fires on C every period until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

func (RealClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// MockClock only moves when Advance is called. Timers and tickers created
// from it fire during Advance once their deadline is reached.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
	timers  int
	tickers int
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and fires every waiter whose deadline
// is now due. A ticker fires at most once per Advance.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	live := c.waiters[:0]
	var due []*mockWaiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if !now.Before(w.deadline) {
			due = append(due, w)
			if w.period == 0 {
				w.stopped = true
				continue
			}
			w.deadline = now.Add(w.period)
		}
		live = append(live, w)
	}
	c.waiters = live
	c.mu.Unlock()

	for _, w := range due {
		select {
		case w.ch <- now:
		default:
		}
	}
}

// TickerCount returns how many tickers have been created. Tests wait on it
// before advancing so that a goroutine's ticker exists when time moves.
func (c *MockClock) TickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers
}

// TimerCount returns how many timers have been created, including by After.
func (c *MockClock) TimerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers++
	return c.add(d, 0)
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive ticker period")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers++
	return mockTicker{c.add(d, d)}
}

// add registers a waiter; c.mu must be held.
func (c *MockClock) add(d, period time.Duration) *mockWaiter {
	w := &mockWaiter{
		clock:    c,
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		period:   period,
	}
	c.waiters = append(c.waiters, w)
	return w
}

// mockWaiter is a one-shot timer when period is zero and a ticker otherwise.
// Its state is guarded by the owning clock's mutex.
type mockWaiter struct {
	clock    *MockClock
	ch       chan time.Time
	deadline time.Time
	period   time.Duration
	stopped  bool
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

func (w *mockWaiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	pending := !w.stopped
	w.stopped = true
	return pending
}

type mockTicker struct{ *mockWaiter }

func (t mockTicker) Stop() { t.mockWaiter.Stop() }
