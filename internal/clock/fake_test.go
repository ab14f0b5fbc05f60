package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_NowAdvances(t *testing.T) {
	c := NewFake(epoch)
	assert.Equal(t, epoch, c.Now())

	c.Advance(5 * time.Second)
	assert.Equal(t, epoch.Add(5*time.Second), c.Now())
}

func TestFake_AfterFiresAtDeadline(t *testing.T) {
	c := NewFake(epoch)
	ch := c.After(3 * time.Second)

	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(3*time.Second), got)
	default:
		t.Fatal("After did not fire at deadline")
	}
}

func TestFake_AfterFuncStop(t *testing.T) {
	c := NewFake(epoch)
	var called atomic.Bool
	timer := c.AfterFunc(time.Minute, func() { called.Store(true) })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second Stop is a no-op")

	c.Advance(2 * time.Minute)
	assert.False(t, called.Load())
}

func TestFake_AfterFuncFiresOnce(t *testing.T) {
	c := NewFake(epoch)
	var calls atomic.Int32
	timer := c.AfterFunc(time.Minute, func() { calls.Add(1) })

	c.Advance(time.Minute)
	c.Advance(time.Hour)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, timer.Stop(), "Stop after fire reports false")
}

func TestFake_TickerDeliversOncePerAdvance(t *testing.T) {
	c := NewFake(epoch)
	tk := c.NewTicker(10 * time.Second)
	defer tk.Stop()

	c.Advance(35 * time.Second)
	select {
	case <-tk.C:
	default:
		t.Fatal("expected a tick")
	}
	select {
	case <-tk.C:
		t.Fatal("missed periods must be coalesced")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case <-tk.C:
	default:
		t.Fatal("expected tick at 40s")
	}
}

func TestFake_StoppedTickerIsSilent(t *testing.T) {
	c := NewFake(epoch)
	tk := c.NewTicker(time.Second)
	require.Equal(t, 1, c.Active())

	tk.Stop()
	assert.Equal(t, 0, c.Active())

	c.Advance(10 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFake_BlockUntil(t *testing.T) {
	c := NewFake(epoch)
	done := make(chan struct{})
	go func() {
		c.BlockUntil(2)
		close(done)
	}()

	c.NewTicker(time.Second)
	c.AfterFunc(time.Second, func() {})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockUntil did not return")
	}
}
