package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/ride"
)

type fakeObserver struct {
	mu    sync.Mutex
	stage models.RideStage
	near  bool
	seen  []models.Coord
}

func (f *fakeObserver) Observe(ctx context.Context, pos models.Coord) (ride.Proximity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, pos)
	return ride.Proximity{Stage: f.stage, Near: f.near}, nil
}

func (f *fakeObserver) Stage() models.RideStage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stage
}

func (f *fakeObserver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (f *fakeForwarder) UpdateCourier(ctx context.Context, upd models.CourierUpdate) (models.Courier, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return models.Courier{}, f.err
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var here = models.Coord{Lat: -22.905, Lon: -47.060}

func TestCadenceFor(t *testing.T) {
	p := DefaultCadence()
	cases := []struct {
		stage models.RideStage
		near  bool
		want  time.Duration
	}{
		{models.StageIdle, false, p.Idle},
		{models.StageOffered, false, p.Idle},
		{models.StageCompleted, true, p.Idle},
		{models.StageAccepted, false, p.Active},
		{models.StageEnRouteToStore, false, p.Active},
		{models.StageEnRouteToStore, true, p.Near},
		{models.StageAtCustomer, true, p.Near},
	}
	for _, c := range cases {
		if got := CadenceFor(c.stage, c.near, p); got != c.want {
			t.Fatalf("%s near=%v: expected %s, got %s", c.stage, c.near, c.want, got)
		}
	}
	noNear := CadencePolicy{Idle: time.Minute, Active: 5 * time.Second}
	if got := CadenceFor(models.StageAtStore, true, noNear); got != 5*time.Second {
		t.Fatalf("expected active cadence without a near policy, got %s", got)
	}
}

func TestForwardsAreThrottled(t *testing.T) {
	mock := clock.NewMock()
	obs := &fakeObserver{stage: models.StageEnRouteToStore}
	fwd := &fakeForwarder{}
	r := NewReporter(Config{ServerEvery: 15 * time.Second}, NewPushSource(), obs, fwd, mock, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Handle(ctx, Sample{Pos: here}); err != nil {
			t.Fatalf("handle: %v", err)
		}
		r.Wait()
		mock.Add(5 * time.Second)
	}
	if fwd.count() != 1 {
		t.Fatalf("expected 1 forward inside the interval, got %d", fwd.count())
	}
	if obs.count() != 3 {
		t.Fatalf("every sample must reach the observer, got %d", obs.count())
	}
	mock.Add(5 * time.Second)
	_ = r.Handle(ctx, Sample{Pos: here})
	r.Wait()
	if fwd.count() != 2 {
		t.Fatalf("expected second forward after interval, got %d", fwd.count())
	}
	if got := r.Position().Get(); got.Pos != here {
		t.Fatalf("sample not published: %+v", got)
	}
}

func TestSingleForwardInFlight(t *testing.T) {
	mock := clock.NewMock()
	fwd := &fakeForwarder{block: make(chan struct{})}
	r := NewReporter(Config{ServerEvery: time.Second}, NewPushSource(), &fakeObserver{}, fwd, mock, nil)
	ctx := context.Background()

	_ = r.Handle(ctx, Sample{Pos: here})
	mock.Add(10 * time.Second)
	_ = r.Handle(ctx, Sample{Pos: here})
	close(fwd.block)
	r.Wait()
	if fwd.count() != 1 {
		t.Fatalf("expected the second forward to be dropped while one is in flight, got %d", fwd.count())
	}
}

func TestForwardFailureIsDropped(t *testing.T) {
	mock := clock.NewMock()
	fwd := &fakeForwarder{err: errors.New("network timeout")}
	r := NewReporter(Config{ServerEvery: time.Second}, NewPushSource(), &fakeObserver{}, fwd, mock, nil)
	if err := r.Handle(context.Background(), Sample{Pos: here}); err != nil {
		t.Fatalf("forward failure must not surface: %v", err)
	}
	r.Wait()
	if fwd.count() != 1 {
		t.Fatalf("expected one attempt, got %d", fwd.count())
	}
}

func TestPushSourceRejectsInvalid(t *testing.T) {
	src := NewPushSource()
	if _, err := src.Current(context.Background()); !errors.Is(err, ErrNoFix) {
		t.Fatalf("expected ErrNoFix, got %v", err)
	}
	if err := src.Push(Sample{Pos: models.Coord{Lat: 91}}); err == nil {
		t.Fatalf("expected invalid coordinate to be rejected")
	}
	if err := src.Push(Sample{Pos: here}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if s, err := src.Current(context.Background()); err != nil || s.Pos != here {
		t.Fatalf("unexpected current sample %+v err=%v", s, err)
	}
}

func waitCount(t *testing.T, f func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for f() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least %d samples, got %d", want, f())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunFollowsStageCadence(t *testing.T) {
	mock := clock.NewMock()
	src := NewPushSource()
	_ = src.Push(Sample{Pos: here})
	obs := &fakeObserver{stage: models.StageIdle}
	r := NewReporter(Config{}, src, obs, &fakeForwarder{}, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitCount(t, obs.count, 1)
	time.Sleep(10 * time.Millisecond)
	mock.Add(DefaultCadence().Active)
	time.Sleep(10 * time.Millisecond)
	if obs.count() != 1 {
		t.Fatalf("idle courier sampled at active cadence")
	}

	obs.mu.Lock()
	obs.stage = models.StageEnRouteToStore
	obs.mu.Unlock()
	r.Retune()
	waitCount(t, obs.count, 2)
	time.Sleep(10 * time.Millisecond)
	mock.Add(DefaultCadence().Active)
	waitCount(t, obs.count, 3)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}
