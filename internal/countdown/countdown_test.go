package countdown

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func drainTicks(t *testing.T, c *Countdown) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-c.Ticks():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("tick stream was not closed")
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExpiresExactlyOnceAtDeadline(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32
	c := Start(mock, mock.Now().Add(60*time.Second), time.Second, func() { fired.Add(1) })

	mock.Add(59 * time.Second)
	select {
	case <-c.Expired():
		t.Fatalf("expired before deadline")
	default:
	}
	if got := c.Remaining(); got != time.Second {
		t.Fatalf("expected 1s remaining, got %s", got)
	}

	mock.Add(time.Second)
	waitClosed(t, c.Expired(), "expiry")
	waitFor(t, func() bool { return fired.Load() == 1 }, "onExpiry")
	drainTicks(t, c)

	if c.Remaining() != 0 {
		t.Fatalf("expected zero remaining after deadline, got %s", c.Remaining())
	}
	if c.State() != Expired {
		t.Fatalf("expected expired state, got %s", c.State())
	}
	if c.Cancel() {
		t.Fatalf("cancel after expiry should be a no-op")
	}
	mock.Add(time.Minute)
	if fired.Load() != 1 {
		t.Fatalf("expected exactly one expiry, got %d", fired.Load())
	}
}

func TestCancelSuppressesExpiry(t *testing.T) {
	mock := clock.NewMock()
	var fired atomic.Int32
	c := Start(mock, mock.Now().Add(60*time.Second), time.Second, func() { fired.Add(1) })

	mock.Add(10 * time.Second)
	if !c.Cancel() {
		t.Fatalf("expected first cancel to succeed")
	}
	if c.Cancel() {
		t.Fatalf("expected second cancel to be a no-op")
	}
	drainTicks(t, c)

	mock.Add(2 * time.Minute)
	select {
	case <-c.Expired():
		t.Fatalf("expiry fired after cancel")
	case <-time.After(20 * time.Millisecond):
	}
	if fired.Load() != 0 {
		t.Fatalf("onExpiry ran after cancel")
	}
	if c.State() != Cancelled {
		t.Fatalf("expected cancelled state, got %s", c.State())
	}
}

func TestPastDeadlineExpiresImmediately(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	c := Start(mock, mock.Now().Add(-time.Second), time.Second, nil)
	waitClosed(t, c.Expired(), "immediate expiry")
	drainTicks(t, c)
}

func TestTicksReportRemaining(t *testing.T) {
	mock := clock.NewMock()
	c := Start(mock, mock.Now().Add(60*time.Second), time.Second, nil)
	defer c.Cancel()

	mock.Add(time.Second)
	select {
	case tick, ok := <-c.Ticks():
		if !ok {
			t.Fatalf("tick stream closed early")
		}
		if tick.Remaining != 59*time.Second || tick.Seconds() != 59 {
			t.Fatalf("expected 59s remaining, got %s", tick.Remaining)
		}
	case <-time.After(time.Second):
		t.Fatalf("no tick delivered")
	}
}
