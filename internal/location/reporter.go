package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/observe"
	"github.com/example/courier-dispatch/internal/ride"
)

// Observer consumes samples for proximity checks.
type Observer interface {
	Observe(ctx context.Context, pos models.Coord) (ride.Proximity, error)
	Stage() models.RideStage
}

// Forwarder reports the courier position to the dispatch backend.
type Forwarder interface {
	UpdateCourier(ctx context.Context, upd models.CourierUpdate) (models.Courier, error)
}

type Config struct {
	Cadence CadencePolicy
	// ServerEvery is the minimum spacing between two forwards.
	ServerEvery    time.Duration
	ForwardTimeout time.Duration
}

// Reporter samples the device position at a stage-dependent cadence,
// publishes every sample, feeds the ride machine and forwards a throttled
// subset upstream.
type Reporter struct {
	cfg    Config
	src    Source
	obs    Observer
	fwd    Forwarder
	clk    clock.Clock
	logger *slog.Logger

	position *observe.Value[Sample]
	retune   chan struct{}

	mu          sync.Mutex
	near        bool
	lastForward time.Time
	inFlight    atomic.Bool
	forwards    sync.WaitGroup
}

func NewReporter(cfg Config, src Source, obs Observer, fwd Forwarder, clk clock.Clock, logger *slog.Logger) *Reporter {
	if cfg.Cadence == (CadencePolicy{}) {
		cfg.Cadence = DefaultCadence()
	}
	if cfg.ServerEvery <= 0 {
		cfg.ServerEvery = 15 * time.Second
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		cfg:      cfg,
		src:      src,
		obs:      obs,
		fwd:      fwd,
		clk:      clk,
		logger:   logger.With("component", "location"),
		position: observe.NewValue(Sample{}),
		retune:   make(chan struct{}, 1),
	}
}

// Position publishes every accepted sample.
func (r *Reporter) Position() *observe.Value[Sample] { return r.position }

// Cadence is the sampling interval for the current stage.
func (r *Reporter) Cadence() time.Duration {
	r.mu.Lock()
	near := r.near
	r.mu.Unlock()
	return CadenceFor(r.obs.Stage(), near, r.cfg.Cadence)
}

// Retune makes Run sample now and re-evaluate its cadence. Call it on every
// ride stage transition.
func (r *Reporter) Retune() {
	select {
	case r.retune <- struct{}{}:
	default:
	}
}

func (r *Reporter) Run(ctx context.Context) error {
	defer r.forwards.Wait()
	for {
		r.sample(ctx)
		timer := r.clk.Timer(r.Cadence())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.retune:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Reporter) sample(ctx context.Context) {
	s, err := r.src.Current(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoFix) {
			r.logger.Warn("position sample failed", "error", err)
		}
		return
	}
	_ = r.Handle(ctx, s)
}

// Handle processes one sample. Only an invalid position is returned as an
// error; forwarding failures are dropped.
func (r *Reporter) Handle(ctx context.Context, s Sample) error {
	if s.At.IsZero() {
		s.At = r.clk.Now()
	}
	observability.LocationSamples.Inc()
	p, err := r.obs.Observe(ctx, s.Pos)
	if err != nil {
		r.logger.Warn("position rejected", "error", err)
		return err
	}
	r.position.Set(s)
	r.mu.Lock()
	r.near = p.Near
	r.mu.Unlock()
	r.maybeForward(ctx, s)
	return nil
}

func (r *Reporter) maybeForward(ctx context.Context, s Sample) {
	now := r.clk.Now()
	r.mu.Lock()
	if !r.lastForward.IsZero() && now.Sub(r.lastForward) < r.cfg.ServerEvery {
		r.mu.Unlock()
		observability.LocationForwards.WithLabelValues("throttled").Inc()
		return
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		r.mu.Unlock()
		observability.LocationForwards.WithLabelValues("busy").Inc()
		return
	}
	r.lastForward = now
	r.forwards.Add(1)
	r.mu.Unlock()

	pos := s.Pos
	go func() {
		defer r.forwards.Done()
		defer r.inFlight.Store(false)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ForwardTimeout)
		defer cancel()
		if _, err := r.fwd.UpdateCourier(ctx, models.CourierUpdate{Coordinates: &pos}); err != nil {
			observability.LocationForwards.WithLabelValues("failed").Inc()
			r.logger.Debug("position forward dropped", "error", err)
			return
		}
		observability.LocationForwards.WithLabelValues("ok").Inc()
	}()
}

// Wait blocks until in-flight forwards finish.
func (r *Reporter) Wait() { r.forwards.Wait() }
