// Package courier runs the state of a single courier: the outstanding offer,
// the ride in progress, the position reporter and the subscription to
// dispatch events.
//
// Ledger events, ride transitions and notification deliveries are applied
// by one goroutine in the order they were produced. Mutating calls from the
// UI resolve through the ledger and ride machine directly and surface their
// errors to the caller.
package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/sync/errgroup"

	"github.com/example/courier-dispatch/internal/countdown"
	"github.com/example/courier-dispatch/internal/eta"
	"github.com/example/courier-dispatch/internal/gateway"
	"github.com/example/courier-dispatch/internal/location"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/observe"
	"github.com/example/courier-dispatch/internal/offer"
	"github.com/example/courier-dispatch/internal/retry"
	"github.com/example/courier-dispatch/internal/ride"
)

var ErrNoPendingOffer = errors.New("no pending offer")

// Offer states exposed to the UI.
const (
	OfferIdle       = "idle"
	OfferPending    = "pending"
	OfferConfirming = "confirming"
	OfferAccepted   = "accepted"
	OfferDeclined   = "declined"
	OfferExpired    = "expired"
)

// OfferView is the observable offer state.
type OfferView struct {
	State            string        `json:"state"`
	Offer            *models.Offer `json:"offer,omitempty"`
	RemainingSeconds int           `json:"remainingSeconds"`
}

// Route is the estimate to the next waypoint.
type Route struct {
	Waypoint models.WaypointKind `json:"waypoint,omitempty"`
	Target   *models.Coord       `json:"target,omitempty"`
	eta.Estimate
}

type Config struct {
	CourierID  string
	OfferTick  time.Duration
	Thresholds ride.Thresholds
	Retry      ride.RetryPolicy
	Location   location.Config
}

type Deps struct {
	Gateway   gateway.Gateway
	Channel   notify.Channel
	Estimator *eta.Estimator
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Session struct {
	cfg    Config
	gw     gateway.Gateway
	ch     notify.Channel
	est    *eta.Estimator
	clk    clock.Clock
	logger *slog.Logger

	ledger   *offer.Ledger
	machine  *ride.Machine
	reporter *location.Reporter
	source   *location.PushSource
	inbox    *mailbox

	offerView *observe.Value[OfferView]
	stage     *observe.Value[models.RideStage]
	available *observe.Value[bool]
	route     *observe.Value[Route]
}

type tickMsg struct {
	offerID string
	tick    countdown.Tick
}

func NewSession(cfg Config, deps Deps) *Session {
	if cfg.OfferTick <= 0 {
		cfg.OfferTick = time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = ride.RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Estimator == nil {
		deps.Estimator = &eta.Estimator{}
	}
	logger := deps.Logger.With("courier_id", cfg.CourierID)
	s := &Session{
		cfg:       cfg,
		gw:        deps.Gateway,
		ch:        deps.Channel,
		est:       deps.Estimator,
		clk:       deps.Clock,
		logger:    logger.With("component", "session"),
		source:    location.NewPushSource(),
		inbox:     newMailbox(),
		offerView: observe.NewValue(OfferView{State: OfferIdle}),
		stage:     observe.NewValue(models.StageIdle),
		available: observe.NewValue(false),
		route:     observe.NewValue(Route{}),
	}
	s.ledger = offer.NewLedger(deps.Clock, cfg.OfferTick, func(e offer.Event) { s.inbox.push(e) })
	s.machine = ride.NewMachine(ride.Config{
		CourierID:  cfg.CourierID,
		Thresholds: cfg.Thresholds,
		Retry:      cfg.Retry,
	}, deps.Gateway, deps.Clock, logger, func(t ride.Transition) {
		s.stage.Set(t.To)
		s.inbox.push(t)
	})
	s.reporter = location.NewReporter(cfg.Location, s.source, s.machine, deps.Gateway, deps.Clock, logger)
	return s
}

// Run blocks until ctx ends or a component fails.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.inbox.drain(ctx, s.handle) })
	g.Go(func() error { return s.ch.Run(ctx, func(ev notify.Event) { s.inbox.push(ev) }) })
	g.Go(func() error { return s.reporter.Run(ctx) })
	err := g.Wait()
	s.machine.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case offer.Event:
		s.applyOfferEvent(m)
	case tickMsg:
		cur := s.offerView.Get()
		if cur.State == OfferPending && cur.Offer != nil && cur.Offer.ID == m.offerID {
			cur.RemainingSeconds = m.tick.Seconds()
			s.offerView.Set(cur)
		}
	case ride.Transition:
		s.applyTransition(ctx, m)
	case notify.Event:
		switch m.Type {
		case notify.KindConnected:
			s.reconcile(ctx)
		case notify.KindNotificationUpdate:
			s.refreshOffers(ctx)
		default:
			s.logger.Debug("ignoring notification", "type", m.Type)
		}
	}
}

func (s *Session) applyOfferEvent(e offer.Event) {
	o := e.Offer
	switch e.Kind {
	case offer.OfferCreated:
		// the offer may already be resolved by the time its creation is applied
		if cur, ok := s.ledger.Get(o.ID); !ok || cur.Status != models.OfferPending {
			return
		}
		if err := s.machine.OfferCreated(o); err != nil {
			s.logger.Warn("offer not shown", "offer_id", o.ID, "error", err)
			return
		}
		s.offerView.Set(OfferView{State: OfferPending, Offer: &o, RemainingSeconds: int(e.Countdown.Remaining() / time.Second)})
		go func(cd *countdown.Countdown) {
			for t := range cd.Ticks() {
				s.inbox.push(tickMsg{offerID: o.ID, tick: t})
			}
		}(e.Countdown)
	case offer.OfferAccepted:
		observability.OfferOutcomes.WithLabelValues(string(o.Status)).Inc()
		// accepted locally; the backend has not confirmed the ride yet
		s.offerView.Set(OfferView{State: OfferConfirming, Offer: &o})
	case offer.OfferDeclined, offer.OfferExpired:
		observability.OfferOutcomes.WithLabelValues(string(o.Status)).Inc()
		state := OfferDeclined
		if e.Kind == offer.OfferExpired {
			state = OfferExpired
		}
		s.offerView.Set(OfferView{State: state, Offer: &o})
		if err := s.machine.OfferResolved(o); err != nil {
			s.logger.Warn("offer resolution not applied", "offer_id", o.ID, "error", err)
		}
	}
}

func (s *Session) applyTransition(ctx context.Context, t ride.Transition) {
	s.reporter.Retune()
	switch {
	case t.To == models.StageCompleted:
		s.available.Set(true)
	case t.To == models.StageIdle && t.From == models.StageAccepted:
		// acceptance rolled back
		s.offerView.Set(OfferView{State: OfferIdle})
		s.available.Set(true)
	case t.To == models.StageEnRouteToStore && t.From == models.StageAccepted:
		cur := s.offerView.Get()
		if cur.State == OfferConfirming {
			cur.State = OfferAccepted
			s.offerView.Set(cur)
		}
	}
	if t.To.EnRoute() {
		go s.updateRoute(ctx)
	} else {
		s.route.Set(Route{})
	}
}

func (s *Session) updateRoute(ctx context.Context) {
	wp, ok := s.machine.NextWaypoint()
	if !ok {
		s.route.Set(Route{})
		return
	}
	pos := s.reporter.Position().Get()
	if pos.At.IsZero() {
		target := wp.Point
		s.route.Set(Route{Waypoint: wp.Kind, Target: &target})
		return
	}
	target := wp.Point
	s.route.Set(Route{Waypoint: wp.Kind, Target: &target, Estimate: s.est.Estimate(ctx, pos.Pos, wp.Point)})
}

// refreshOffers pulls the courier's pending offers after a notificationUpdate.
func (s *Session) refreshOffers(ctx context.Context) {
	offers, err := s.gw.ListOffers(ctx)
	if err != nil {
		s.logger.Warn("listing offers failed", "error", err)
		return
	}
	listed := make(map[string]bool, len(offers))
	for _, o := range offers {
		if o.Status == models.OfferPending {
			listed[o.ID] = true
		}
	}
	if cur, ok := s.ledger.Pending(s.cfg.CourierID); ok && !listed[cur.ID] {
		s.ledger.Withdraw(cur.ID)
	}

	stage := s.machine.Stage()
	if !s.available.Get() || !(stage == models.StageIdle || stage == models.StageCompleted || stage == models.StageOffered) {
		return
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].CreatedAt.Before(offers[j].CreatedAt) })
	for _, o := range offers {
		if o.Status != models.OfferPending || o.CourierID != s.cfg.CourierID {
			continue
		}
		if s.ledger.Seen(o.ID) {
			continue
		}
		if err := s.ledger.Track(o); err != nil {
			if errors.Is(err, offer.ErrConflictingOffer) {
				s.logger.Warn("backend listed a second pending offer", "offer_id", o.ID)
				continue
			}
			s.logger.Warn("offer not tracked", "offer_id", o.ID, "error", err)
		}
	}
}

// reconcile re-reads courier and ride state after every (re)connect.
func (s *Session) reconcile(ctx context.Context) {
	c, err := s.gw.GetCourier(ctx)
	if err != nil {
		s.logger.Warn("reconcile: courier lookup failed", "error", err)
		return
	}
	s.available.Set(c.Available)

	if c.CurrentRideID == "" {
		s.machine.Restore(ride.Snapshot{})
	} else if snap, err := s.rideSnapshot(ctx, c.CurrentRideID); err != nil {
		s.logger.Warn("reconcile: ride lookup failed", "ride_id", c.CurrentRideID, "error", err)
	} else {
		s.machine.Restore(snap)
	}
	s.refreshOffers(ctx)
}

func (s *Session) rideSnapshot(ctx context.Context, rideID string) (ride.Snapshot, error) {
	rec, err := s.gw.GetRide(ctx, rideID)
	if err != nil {
		return ride.Snapshot{}, err
	}
	order, err := s.gw.GetOrder(ctx, rec.OrderID)
	if err != nil {
		return ride.Snapshot{}, err
	}
	if order.Status == models.OrderDelivered || order.Status == models.OrderCanceled {
		return ride.Snapshot{}, nil
	}
	code := rec.CompletionCode
	if code == "" {
		code = order.CompletionCode
	}
	r := models.Ride{
		ID:      rec.ID,
		OrderID: rec.OrderID,
		Waypoints: [2]models.Waypoint{
			{Kind: models.WaypointStore, Point: order.Store, Reached: rec.ArrivalStore != nil, ReachedAt: rec.ArrivalStore},
			{Kind: models.WaypointCustomer, Point: order.Customer, Reached: rec.ArrivalCustomer != nil, ReachedAt: rec.ArrivalCustomer},
		},
		CompletionCode: code,
		Price:          rec.Price,
		DistanceKm:     rec.DistanceKm,
		AcceptedAt:     rec.CreatedAt,
	}
	switch {
	case rec.ArrivalCustomer != nil:
		r.Stage = models.StageAtCustomer
	case rec.ArrivalStore != nil:
		r.Stage = models.StageAtStore
	default:
		r.Stage = models.StageEnRouteToStore
	}
	return ride.Snapshot{Ride: &r}, nil
}

// ToggleAvailability flips the courier's availability on the backend. Going
// unavailable declines a pending offer first.
func (s *Session) ToggleAvailability(ctx context.Context, available bool) error {
	if !available {
		if st := s.machine.Stage(); st == models.StageAccepted || st.EnRoute() {
			return fmt.Errorf("%w: cannot go unavailable while %s", ride.ErrInvalidStage, st)
		}
		if o, ok := s.ledger.Pending(s.cfg.CourierID); ok {
			if err := s.DeclineOffer(ctx, o.ID); err != nil && !errors.Is(err, offer.ErrExpired) && !errors.Is(err, offer.ErrAlreadyResolved) {
				return err
			}
		}
	}
	err := retry.Do(ctx, s.clk, s.cfg.Retry.Attempts, s.cfg.Retry.Delay, func(ctx context.Context) error {
		c, err := s.gw.UpdateCourier(ctx, models.CourierUpdate{Available: &available})
		if err != nil {
			observability.GatewayCallFailures.WithLabelValues("update_courier").Inc()
			return err
		}
		available = c.Available
		return nil
	})
	if err != nil {
		return fmt.Errorf("toggle availability: %w", err)
	}
	s.available.Set(available)
	if available {
		s.inbox.push(notify.Event{Type: notify.KindNotificationUpdate})
	}
	return nil
}

// AcceptOffer resolves the offer locally, then confirms the ride with the
// backend. An empty id means the pending offer. The confirmation outlives
// ctx; if it fails without the backend refusing, the acceptance is held for
// ConfirmAcceptance or AbandonAcceptance.
func (s *Session) AcceptOffer(ctx context.Context, offerID string) (models.Ride, error) {
	id, err := s.pendingID(offerID)
	if err != nil {
		return models.Ride{}, err
	}
	o, err := s.ledger.Accept(id)
	if err != nil {
		return models.Ride{}, err
	}
	if err := s.machine.Accept(o); err != nil {
		return models.Ride{}, err
	}
	return s.machine.ConfirmAcceptance(context.WithoutCancel(ctx))
}

// ConfirmAcceptance retries the backend confirmation of a held acceptance.
func (s *Session) ConfirmAcceptance(ctx context.Context) (models.Ride, error) {
	return s.machine.ConfirmAcceptance(context.WithoutCancel(ctx))
}

// AbandonAcceptance drops a held acceptance and makes the courier available.
func (s *Session) AbandonAcceptance(ctx context.Context) error {
	return s.machine.AbandonAcceptance(context.WithoutCancel(ctx))
}

// DeclineOffer resolves the offer locally and tells the backend. A failed
// backend call is returned but the local decline stands.
func (s *Session) DeclineOffer(ctx context.Context, offerID string) error {
	id, err := s.pendingID(offerID)
	if err != nil {
		return err
	}
	if _, err := s.ledger.Decline(id); err != nil {
		return err
	}
	err = retry.Do(ctx, s.clk, s.cfg.Retry.Attempts, s.cfg.Retry.Delay, func(ctx context.Context) error {
		if err := s.gw.ResolveOffer(ctx, id, models.OfferDeclined); err != nil {
			observability.GatewayCallFailures.WithLabelValues("resolve_offer").Inc()
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("decline offer %s: %w", id, err)
	}
	return nil
}

func (s *Session) pendingID(offerID string) (string, error) {
	if offerID != "" {
		return offerID, nil
	}
	o, ok := s.ledger.Pending(s.cfg.CourierID)
	if !ok {
		return "", ErrNoPendingOffer
	}
	return o.ID, nil
}

func (s *Session) Depart() error { return s.machine.Depart() }

func (s *Session) RequestCompletion() error { return s.machine.RequestCompletion() }

func (s *Session) ConfirmCompletion(ctx context.Context, code string) error {
	return s.machine.ConfirmCompletion(ctx, code)
}

// ReportPosition stores a device fix; it is picked up at the next sample.
func (s *Session) ReportPosition(sample location.Sample) error {
	if sample.At.IsZero() {
		sample.At = s.clk.Now()
	}
	return s.source.Push(sample)
}

// Observables.

func (s *Session) OfferState() *observe.Value[OfferView]       { return s.offerView }
func (s *Session) RideStage() *observe.Value[models.RideStage] { return s.stage }
func (s *Session) Availability() *observe.Value[bool]          { return s.available }
func (s *Session) Route() *observe.Value[Route]                { return s.route }
func (s *Session) Position() *observe.Value[location.Sample]   { return s.reporter.Position() }

// State is a point-in-time view of the courier.
type State struct {
	CourierID string           `json:"courierId"`
	Available bool             `json:"isAvailable"`
	Offer     OfferView        `json:"offer"`
	Stage     models.RideStage `json:"stage"`
	Ride      *models.Ride     `json:"ride,omitempty"`
	Position  *location.Sample `json:"position,omitempty"`
	Route     Route            `json:"route"`
	Cadence   string           `json:"cadence"`
}

func (s *Session) Snapshot() State {
	st := State{
		CourierID: s.cfg.CourierID,
		Available: s.available.Get(),
		Offer:     s.offerView.Get(),
		Stage:     s.machine.Stage(),
		Route:     s.route.Get(),
		Cadence:   s.reporter.Cadence().String(),
	}
	if r, ok := s.machine.Ride(); ok {
		st.Ride = &r
	}
	if p := s.reporter.Position().Get(); !p.At.IsZero() {
		st.Position = &p
	}
	return st
}
