package retry

import (
	"context"
	"errors"
	"testing"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), nil, 3, 5*time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	// 5ms + 10ms of backoff
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	last := errors.New("third")
	err := Do(context.Background(), nil, 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls == 3 {
			return last
		}
		return errors.New("early")
	})
	if !errors.Is(err, last) {
		t.Fatalf("expected last error, got %v", err)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	cause := errors.New("rejected")
	err := Do(context.Background(), nil, 5, time.Millisecond, func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if !errors.Is(err, cause) || !errors.Is(err, ErrPermanent) {
		t.Fatalf("unexpected error chain: %v", err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, nil, 10, time.Hour, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDoWaitsOnInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	var calls atomic.Int32
	first := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), mock, 3, time.Minute, func(context.Context) error {
			if calls.Add(1) == 1 {
				close(first)
			}
			if calls.Load() < 3 {
				return errors.New("down")
			}
			return nil
		})
	}()

	<-first
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected no retry before the clock moves, got %d calls", n)
	}
	for i := 0; ; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if n := calls.Load(); n != 3 {
				t.Fatalf("expected 3 calls, got %d", n)
			}
			return
		default:
		}
		if i > 500 {
			t.Fatalf("retry never finished, %d calls", calls.Load())
		}
		mock.Add(time.Minute)
	}
}
