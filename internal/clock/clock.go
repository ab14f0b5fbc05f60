// Package clock abstracts wall-clock time so that pollers and timeouts can be
// driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the orchestrator.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. No more ticks are sent after Stop returns.
func (t *Ticker) Stop() { t.stop() }

// Timer is a one-shot callback created by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop prevents the callback from running. It returns false if the timer
// already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
