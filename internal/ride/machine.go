// Package ride drives a courier's delivery from accepted offer to confirmed
// completion.
//
// Stage changes that depend on the dispatch backend (acceptance, completion)
// are two-phase: the machine holds a provisional stage, calls the backend
// without holding its lock, and only then reveals the next stage. Proximity
// transitions are local and optimistic; their arrival timestamps are written
// through in the background.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/example/courier-dispatch/internal/gateway"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/retry"
)

var (
	ErrInvalidStage = errors.New("operation not allowed in current ride stage")
	ErrInvalidCode  = errors.New("completion code must be numeric")
	ErrCodeMismatch = errors.New("completion code does not match")
	ErrInFlight     = errors.New("confirmation already in progress")
)

// Gateway is the subset of the dispatch backend the ride lifecycle confirms
// its transitions against.
type Gateway interface {
	ResolveOffer(ctx context.Context, offerID string, status models.OfferStatus) error
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
	CreateRide(ctx context.Context, rec models.RideRecord) (models.RideRecord, error)
	UpdateRide(ctx context.Context, upd models.RideUpdate) error
	UpdateCourier(ctx context.Context, upd models.CourierUpdate) (models.Courier, error)
}

type Thresholds struct {
	StoreMeters    float64
	CustomerMeters float64
}

type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

type Config struct {
	CourierID    string
	Thresholds   Thresholds
	Retry        RetryPolicy
	WriteTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Thresholds.StoreMeters <= 0 {
		c.Thresholds.StoreMeters = 300
	}
	if c.Thresholds.CustomerMeters <= 0 {
		c.Thresholds.CustomerMeters = 300
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Transition is passed to the transition hook. Ride is a copy, nil when the
// courier has no ride.
type Transition struct {
	From models.RideStage
	To   models.RideStage
	Ride *models.Ride
	At   time.Time
}

// Proximity is the outcome of feeding one position sample to the machine.
type Proximity struct {
	Stage models.RideStage
	// Near is true when the sample lies within the threshold of the next
	// waypoint.
	Near           bool
	DistanceMeters float64
}

// Snapshot is the backend's view of the courier's current ride.
type Snapshot struct {
	Ride *models.Ride
}

type Machine struct {
	cfg          Config
	gw           Gateway
	clk          clock.Clock
	logger       *slog.Logger
	onTransition func(Transition)

	mu         sync.Mutex
	stage      models.RideStage
	offer      *models.Offer
	ride       *models.Ride
	confirming bool

	writes sync.WaitGroup
}

// NewMachine returns a machine in the Idle stage. onTransition runs under
// the machine lock, in transition order; it must not call back into the
// machine.
func NewMachine(cfg Config, gw Gateway, clk clock.Clock, logger *slog.Logger, onTransition func(Transition)) *Machine {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:          cfg,
		gw:           gw,
		clk:          clk,
		logger:       logger.With("component", "ride"),
		onTransition: onTransition,
		stage:        models.StageIdle,
	}
}

// OfferCreated moves an idle courier to Offered.
func (m *Machine) OfferCreated(o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offer != nil && m.offer.ID == o.ID {
		return nil
	}
	if !idleLike(m.stage) {
		return fmt.Errorf("%w: offer %s while %s", ErrInvalidStage, o.ID, m.stage)
	}
	cp := o
	m.offer = &cp
	m.ride = nil
	m.setStageLocked(models.StageOffered)
	return nil
}

// OfferResolved applies the terminal state of the offer currently shown.
// Resolutions of other offers are ignored.
func (m *Machine) OfferResolved(o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offer == nil || m.offer.ID != o.ID {
		return nil
	}
	switch o.Status {
	case models.OfferAccepted:
		return m.acceptLocked(o)
	case models.OfferDeclined, models.OfferExpired:
		if m.stage == models.StageOffered {
			m.offer = nil
			m.setStageLocked(models.StageIdle)
		}
	}
	return nil
}

// Accept is phase one of acceptance: the offer is resolved locally and the
// ride waits in Accepted for ConfirmAcceptance.
func (m *Machine) Accept(o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptLocked(o)
}

func (m *Machine) acceptLocked(o models.Offer) error {
	if o.Status != models.OfferAccepted {
		return fmt.Errorf("%w: offer %s is %s", ErrInvalidStage, o.ID, o.Status)
	}
	if m.offer != nil && m.offer.ID == o.ID && rank(m.stage) >= rank(models.StageAccepted) {
		return nil
	}
	if !CanTransition(m.stage, models.StageAccepted) {
		return fmt.Errorf("%w: accept from %s", ErrInvalidStage, m.stage)
	}
	cp := o
	m.offer = &cp
	m.ride = nil
	m.setStageLocked(models.StageAccepted)
	return nil
}

// ConfirmAcceptance is phase two: the backend resolves the offer, marks the
// order in preparation and creates the ride record. Only then does the ride
// move to EnRouteToStore.
//
// If the backend refuses a step outright the ride rolls back to Idle and the
// courier is made available again. Any other failure, including timeouts and
// ctx ending, leaves the ride in Accepted so ConfirmAcceptance can be called
// again or the acceptance given up with AbandonAcceptance.
func (m *Machine) ConfirmAcceptance(ctx context.Context) (models.Ride, error) {
	m.mu.Lock()
	if m.stage != models.StageAccepted || m.offer == nil {
		stage := m.stage
		m.mu.Unlock()
		return models.Ride{}, fmt.Errorf("%w: confirm acceptance in %s", ErrInvalidStage, stage)
	}
	if m.confirming {
		m.mu.Unlock()
		return models.Ride{}, ErrInFlight
	}
	m.confirming = true
	o := *m.offer
	m.mu.Unlock()

	var (
		resolved, marked, haveOrder bool
		order                       models.Order
		rec                         models.RideRecord
	)
	step := func(op string, err error) error {
		err = m.failed(op, err)
		if gateway.IsRefusal(err) {
			return retry.Permanent(err)
		}
		return err
	}
	err := retry.Do(ctx, m.clk, m.cfg.Retry.Attempts, m.cfg.Retry.Delay, func(ctx context.Context) error {
		if !resolved {
			if err := m.gw.ResolveOffer(ctx, o.ID, models.OfferAccepted); err != nil {
				return step("resolve_offer", err)
			}
			resolved = true
		}
		if !haveOrder {
			got, err := m.gw.GetOrder(ctx, o.Payload.OrderID)
			if err != nil {
				return step("get_order", err)
			}
			order, haveOrder = got, true
		}
		if !marked {
			if err := m.gw.UpdateOrderStatus(ctx, o.Payload.OrderID, models.OrderPreparing); err != nil {
				return step("update_order_status", err)
			}
			marked = true
		}
		created, err := m.gw.CreateRide(ctx, models.RideRecord{
			CourierID:  m.cfg.CourierID,
			OrderID:    o.Payload.OrderID,
			Price:      o.Payload.Price,
			DistanceKm: o.Payload.DistanceKm,
			From:       storePoint(order, o.Payload),
			To:         customerPoint(order, o.Payload),
		})
		if err != nil {
			return step("create_ride", err)
		}
		rec = created
		return nil
	})

	m.mu.Lock()
	m.confirming = false
	if m.stage != models.StageAccepted || m.offer == nil || m.offer.ID != o.ID {
		stage := m.stage
		m.mu.Unlock()
		return models.Ride{}, fmt.Errorf("%w: acceptance of %s superseded while %s", ErrInvalidStage, o.ID, stage)
	}
	if err != nil {
		if !gateway.IsRefusal(err) {
			m.mu.Unlock()
			m.logger.Warn("acceptance not confirmed yet, holding", "offer_id", o.ID, "error", err)
			return models.Ride{}, fmt.Errorf("confirm acceptance: %w", err)
		}
		m.rollbackLocked()
		m.mu.Unlock()
		m.logger.Warn("acceptance refused, rolled back", "offer_id", o.ID, "error", err)
		m.releaseCourier(context.WithoutCancel(ctx))
		return models.Ride{}, fmt.Errorf("confirm acceptance: %w", err)
	}

	code := rec.CompletionCode
	if code == "" {
		code = order.CompletionCode
	}
	r := &models.Ride{
		ID:      rec.ID,
		OfferID: o.ID,
		OrderID: o.Payload.OrderID,
		Waypoints: [2]models.Waypoint{
			{Kind: models.WaypointStore, Point: storePoint(order, o.Payload)},
			{Kind: models.WaypointCustomer, Point: customerPoint(order, o.Payload)},
		},
		CompletionCode: code,
		Price:          o.Payload.Price,
		DistanceKm:     o.Payload.DistanceKm,
		AcceptedAt:     m.clk.Now(),
	}
	m.ride = r
	m.setStageLocked(models.StageEnRouteToStore)
	out := *m.ride
	m.mu.Unlock()
	m.logger.Info("ride confirmed", "ride_id", out.ID, "order_id", out.OrderID)
	return out, nil
}

// AbandonAcceptance gives up on an acceptance the backend never confirmed.
// The ride returns to Idle and the courier is made available again.
func (m *Machine) AbandonAcceptance(ctx context.Context) error {
	m.mu.Lock()
	if m.stage != models.StageAccepted || m.offer == nil {
		stage := m.stage
		m.mu.Unlock()
		return fmt.Errorf("%w: abandon acceptance in %s", ErrInvalidStage, stage)
	}
	if m.confirming {
		m.mu.Unlock()
		return ErrInFlight
	}
	id := m.offer.ID
	m.rollbackLocked()
	m.mu.Unlock()
	m.logger.Info("acceptance abandoned", "offer_id", id)
	m.releaseCourier(ctx)
	return nil
}

func (m *Machine) rollbackLocked() {
	m.offer = nil
	m.setStageLocked(models.StageIdle)
}

func storePoint(o models.Order, p models.OfferPayload) models.Coord {
	if o.Store == (models.Coord{}) {
		return p.Pickup
	}
	return o.Store
}

func customerPoint(o models.Order, p models.OfferPayload) models.Coord {
	if o.Customer == (models.Coord{}) {
		return p.Dropoff
	}
	return o.Customer
}

func (m *Machine) releaseCourier(ctx context.Context) {
	available := true
	err := retry.Do(ctx, m.clk, m.cfg.Retry.Attempts, m.cfg.Retry.Delay, func(ctx context.Context) error {
		if _, err := m.gw.UpdateCourier(ctx, models.CourierUpdate{Available: &available}); err != nil {
			return m.failed("update_courier", err)
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("courier availability not restored", "error", err)
	}
}

// Observe feeds one position sample. The next unreached waypoint is tested
// against its threshold; reached waypoints stay reached.
func (m *Machine) Observe(ctx context.Context, pos models.Coord) (Proximity, error) {
	if err := geo.Validate(pos); err != nil {
		return Proximity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ride == nil || !m.stage.EnRoute() {
		return Proximity{Stage: m.stage}, nil
	}
	now := m.clk.Now()

	storeDist, err := geo.Distance(pos, m.ride.Waypoints[0].Point)
	if err != nil {
		return Proximity{Stage: m.stage}, err
	}
	custDist, err := geo.Distance(pos, m.ride.Waypoints[1].Point)
	if err != nil {
		return Proximity{Stage: m.stage}, err
	}
	atStore := storeDist <= m.cfg.Thresholds.StoreMeters
	atCustomer := custDist <= m.cfg.Thresholds.CustomerMeters

	if m.stage == models.StageEnRouteToStore && atStore {
		m.reachLocked(0, now)
		m.setStageLocked(models.StageAtStore)
		m.writeArrival(ctx, models.RideUpdate{ID: m.ride.ID, ArrivalStore: &now})
	}
	if m.stage == models.StageAtStore && !atStore {
		m.setStageLocked(models.StageEnRouteToCustomer)
	}
	if m.stage == models.StageEnRouteToCustomer && atCustomer {
		m.reachLocked(1, now)
		m.setStageLocked(models.StageAtCustomer)
		m.writeArrival(ctx, models.RideUpdate{ID: m.ride.ID, ArrivalCustomer: &now})
	}

	p := Proximity{Stage: m.stage}
	switch m.stage {
	case models.StageEnRouteToStore, models.StageAtStore:
		p.DistanceMeters, p.Near = storeDist, atStore
	default:
		p.DistanceMeters, p.Near = custDist, atCustomer
	}
	return p, nil
}

func (m *Machine) reachLocked(i int, at time.Time) {
	wp := &m.ride.Waypoints[i]
	if wp.Reached {
		return
	}
	wp.Reached = true
	wp.ReachedAt = &at
}

// writeArrival never blocks the caller; failures are logged and dropped
// once retries are exhausted.
func (m *Machine) writeArrival(ctx context.Context, upd models.RideUpdate) {
	m.writes.Add(1)
	go func() {
		defer m.writes.Done()
		err := retry.Do(context.WithoutCancel(ctx), m.clk, m.cfg.Retry.Attempts, m.cfg.Retry.Delay, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
			defer cancel()
			if err := m.gw.UpdateRide(ctx, upd); err != nil {
				return m.failed("update_ride", err)
			}
			return nil
		})
		if err != nil {
			m.logger.Warn("arrival write-through failed", "ride_id", upd.ID, "error", err)
		}
	}()
}

// Depart leaves the store without waiting for a sample outside its radius.
func (m *Machine) Depart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stage != models.StageAtStore {
		return fmt.Errorf("%w: depart from %s", ErrInvalidStage, m.stage)
	}
	m.setStageLocked(models.StageEnRouteToCustomer)
	return nil
}

func (m *Machine) RequestCompletion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCompletionLocked()
}

func (m *Machine) requestCompletionLocked() error {
	switch m.stage {
	case models.StageCompletionPending:
		return nil
	case models.StageAtCustomer:
		m.setStageLocked(models.StageCompletionPending)
		return nil
	}
	return fmt.Errorf("%w: completion requested in %s", ErrInvalidStage, m.stage)
}

// ConfirmCompletion checks the code the customer gave the courier. On a
// match the backend marks the order delivered and the courier available;
// the ride reaches Completed only once both calls succeed. A mismatch or a
// backend failure leaves the ride in CompletionPending.
func (m *Machine) ConfirmCompletion(ctx context.Context, input string) error {
	m.mu.Lock()
	if err := m.requestCompletionLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.ride == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no ride", ErrInvalidStage)
	}
	if m.confirming {
		m.mu.Unlock()
		return ErrInFlight
	}
	entered, err := parseCode(input)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	want, err := parseCode(m.ride.CompletionCode)
	if err != nil || entered != want {
		m.mu.Unlock()
		return ErrCodeMismatch
	}
	m.confirming = true
	r := *m.ride
	m.mu.Unlock()

	delivered := false
	available := true
	err = retry.Do(ctx, m.clk, m.cfg.Retry.Attempts, m.cfg.Retry.Delay, func(ctx context.Context) error {
		if !delivered {
			if err := m.gw.UpdateOrderStatus(ctx, r.OrderID, models.OrderDelivered); err != nil {
				return m.failed("update_order_status", err)
			}
			delivered = true
		}
		if _, err := m.gw.UpdateCourier(ctx, models.CourierUpdate{Available: &available}); err != nil {
			return m.failed("update_courier", err)
		}
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirming = false
	if err != nil {
		return fmt.Errorf("confirm completion: %w", err)
	}
	if m.ride == nil || m.ride.ID != r.ID {
		return fmt.Errorf("%w: ride %s superseded", ErrInvalidStage, r.ID)
	}
	m.setStageLocked(models.StageCompleted)
	m.ride = nil
	m.offer = nil
	return nil
}

func parseCode(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCode, s)
	}
	return n, nil
}

// Restore aligns local state with the backend after a reconnect. A ride is
// never moved backwards and reached waypoints stay reached.
func (m *Machine) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Ride == nil {
		if m.confirming || m.stage == models.StageAccepted || m.stage == models.StageOffered {
			return
		}
		if m.ride != nil {
			m.logger.Info("ride no longer active on backend", "ride_id", m.ride.ID)
			m.ride = nil
			m.offer = nil
			m.setStageLocked(models.StageIdle)
		}
		return
	}
	r := *s.Ride
	if m.ride != nil && m.ride.ID == r.ID {
		for i := range r.Waypoints {
			if m.ride.Waypoints[i].Reached && !r.Waypoints[i].Reached {
				r.Waypoints[i] = m.ride.Waypoints[i]
			}
		}
		if r.CompletionCode == "" {
			r.CompletionCode = m.ride.CompletionCode
		}
		if rank(m.stage) >= rank(r.Stage) {
			r.Stage = m.stage
		}
	}
	m.ride = &r
	m.setStageLocked(r.Stage)
}

// Drop abandons the current ride or offer, e.g. after an operator
// cancelled the order.
func (m *Machine) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ride = nil
	m.offer = nil
	m.setStageLocked(models.StageIdle)
}

func (m *Machine) setStageLocked(to models.RideStage) {
	if m.stage == to {
		return
	}
	from := m.stage
	m.stage = to
	if m.ride != nil {
		m.ride.Stage = to
	}
	observability.RideStageTransitions.WithLabelValues(string(to)).Inc()
	m.logger.Debug("ride stage", "from", from, "to", to)
	if m.onTransition != nil {
		m.onTransition(Transition{From: from, To: to, Ride: m.rideCopyLocked(), At: m.clk.Now()})
	}
}

func (m *Machine) rideCopyLocked() *models.Ride {
	if m.ride == nil {
		return nil
	}
	cp := *m.ride
	return &cp
}

func (m *Machine) failed(op string, err error) error {
	observability.GatewayCallFailures.WithLabelValues(op).Inc()
	return fmt.Errorf("%s: %w", op, err)
}

func (m *Machine) Stage() models.RideStage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

func (m *Machine) Ride() (models.Ride, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ride == nil {
		return models.Ride{}, false
	}
	return *m.ride, true
}

// NextWaypoint returns the first waypoint not yet reached.
func (m *Machine) NextWaypoint() (models.Waypoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ride == nil {
		return models.Waypoint{}, false
	}
	for _, wp := range m.ride.Waypoints {
		if !wp.Reached {
			return wp, true
		}
	}
	return models.Waypoint{}, false
}

// Thresholds returns the proximity radii in use.
func (m *Machine) Thresholds() Thresholds { return m.cfg.Thresholds }

// Wait blocks until background arrival writes have finished.
func (m *Machine) Wait() { m.writes.Wait() }
