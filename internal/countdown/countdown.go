// Package countdown tracks the time left before an offer deadline.
//
// A Countdown emits progress ticks at a fixed cadence for rendering and a
// one-shot expiry signal when the deadline is reached. It can be cancelled
// once; cancellation and expiry race through a single compare-and-swap so
// exactly one of them takes effect.
package countdown

import (
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
)

type State int32

const (
	Running State = iota
	Cancelled
	Expired
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Tick is one progress update.
type Tick struct {
	Remaining time.Duration
	At        time.Time
}

// Seconds returns the whole seconds left, rounded down.
func (t Tick) Seconds() int { return int(t.Remaining / time.Second) }

type Countdown struct {
	clk      clock.Clock
	deadline time.Time
	onExpiry func()

	state   atomic.Int32
	ticks   chan Tick
	expired chan struct{}
	stop    chan struct{}
}

// Start begins counting down to deadline. onExpiry, if set, runs on the
// countdown goroutine after Expired() is closed.
func Start(clk clock.Clock, deadline time.Time, every time.Duration, onExpiry func()) *Countdown {
	c := &Countdown{
		clk:      clk,
		deadline: deadline,
		onExpiry: onExpiry,
		ticks:    make(chan Tick, 1),
		expired:  make(chan struct{}),
		stop:     make(chan struct{}),
	}
	remaining := c.Remaining()
	if remaining <= 0 {
		go func() {
			defer close(c.ticks)
			c.fire()
		}()
		return c
	}
	// timers are created before returning so a mock clock advanced right
	// after Start still sees them
	timer := clk.Timer(remaining)
	var ticker *clock.Ticker
	if every > 0 {
		ticker = clk.Ticker(every)
	}
	go c.run(timer, ticker)
	return c
}

func (c *Countdown) run(timer *clock.Timer, ticker *clock.Ticker) {
	defer close(c.ticks)
	defer timer.Stop()
	var tickC <-chan time.Time
	if ticker != nil {
		defer ticker.Stop()
		tickC = ticker.C
	}
	for {
		select {
		case <-c.stop:
			return
		case <-tickC:
			rem := c.Remaining()
			if rem <= 0 {
				continue
			}
			c.emit(Tick{Remaining: rem, At: c.clk.Now()})
		case <-timer.C:
			c.fire()
			return
		}
	}
}

// emit drops the tick when the reader is behind; the next one supersedes it.
func (c *Countdown) emit(t Tick) {
	if c.State() != Running {
		return
	}
	select {
	case c.ticks <- t:
	default:
	}
}

func (c *Countdown) fire() {
	if !c.state.CompareAndSwap(int32(Running), int32(Expired)) {
		return
	}
	close(c.expired)
	if c.onExpiry != nil {
		c.onExpiry()
	}
}

// Cancel stops the countdown. It returns false when the countdown had
// already expired or been cancelled.
func (c *Countdown) Cancel() bool {
	if !c.state.CompareAndSwap(int32(Running), int32(Cancelled)) {
		return false
	}
	close(c.stop)
	return true
}

// Remaining is never negative.
func (c *Countdown) Remaining() time.Duration {
	d := c.deadline.Sub(c.clk.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (c *Countdown) Deadline() time.Time      { return c.deadline }
func (c *Countdown) State() State             { return State(c.state.Load()) }
func (c *Countdown) Ticks() <-chan Tick       { return c.ticks }
func (c *Countdown) Expired() <-chan struct{} { return c.expired }
