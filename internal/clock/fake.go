package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Timers and tickers fire only from
// Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	interval time.Duration
	ch       chan time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewFake returns a FakeClock set to start.
func NewFake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		go f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.addLocked(w)
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		c.changed.Broadcast()
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), interval: d, ch: ch}
	c.addLocked(w)
	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.stopped = true
		c.changed.Broadcast()
	}}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the window. A ticker whose channel is full drops the tick,
// the same as time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) collectDue(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*waiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(target) {
			keep = append(keep, w)
			continue
		}
		due = append(due, w)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })

	for _, w := range due {
		if w.interval > 0 {
			// Skip missed periods so one Advance delivers at most one tick.
			for !w.deadline.After(target) {
				w.deadline = w.deadline.Add(w.interval)
			}
			keep = append(keep, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = keep
	c.changed.Broadcast()
	return due
}

// BlockUntil waits until at least n timers or tickers are active.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// Active returns the number of pending timers and tickers.
func (c *FakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
