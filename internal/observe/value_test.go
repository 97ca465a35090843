package observe

import (
	"testing"
	"time"
)

func TestSubscribeStartsWithCurrentValue(t *testing.T) {
	v := NewValue("idle")
	ch, cancel := v.Subscribe()
	defer cancel()
	if got := <-ch; got != "idle" {
		t.Fatalf("expected idle, got %q", got)
	}
}

func TestSlowSubscriberSeesLatest(t *testing.T) {
	v := NewValue(0)
	ch, cancel := v.Subscribe()
	defer cancel()
	for i := 1; i <= 10; i++ {
		v.Set(i)
	}
	select {
	case got := <-ch:
		if got != 10 {
			t.Fatalf("expected latest value 10, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no value delivered")
	}
	if v.Get() != 10 {
		t.Fatalf("Get returned %d", v.Get())
	}
}

func TestCancelClosesChannel(t *testing.T) {
	v := NewValue(1)
	ch, cancel := v.Subscribe()
	<-ch
	cancel()
	cancel()
	v.Set(2)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}
