package courier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/example/courier-dispatch/internal/gateway"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/location"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/ride"
)

var (
	store    = models.Coord{Lat: -22.905, Lon: -47.060}
	customer = geo.OffsetNorth(store, 4000)
)

type fakeGateway struct {
	mu sync.Mutex

	courier models.Courier
	offers  []models.Offer
	rideRec models.RideRecord
	order   models.Order

	resolved       map[string]models.OfferStatus
	courierUpdates []models.CourierUpdate
	orderStatuses  []models.OrderStatus
	created        int
	createErr      error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		courier:  models.Courier{ID: "c1", Available: true},
		order:    models.Order{ID: "o1", Status: models.OrderPending, Store: store, Customer: customer, CompletionCode: "4321"},
		resolved: make(map[string]models.OfferStatus),
	}
}

func (f *fakeGateway) GetCourier(ctx context.Context) (models.Courier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.courier, nil
}

func (f *fakeGateway) UpdateCourier(ctx context.Context, upd models.CourierUpdate) (models.Courier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.courierUpdates = append(f.courierUpdates, upd)
	if upd.Available != nil {
		f.courier.Available = *upd.Available
	}
	return f.courier, nil
}

func (f *fakeGateway) ListOffers(ctx context.Context) ([]models.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Offer(nil), f.offers...), nil
}

func (f *fakeGateway) ResolveOffer(ctx context.Context, offerID string, status models.OfferStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[offerID] = status
	return nil
}

func (f *fakeGateway) CreateRide(ctx context.Context, rec models.RideRecord) (models.RideRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if f.createErr != nil {
		return models.RideRecord{}, f.createErr
	}
	rec.ID = "ride-1"
	return rec, nil
}

func (f *fakeGateway) UpdateRide(ctx context.Context, upd models.RideUpdate) error { return nil }

func (f *fakeGateway) GetRide(ctx context.Context, rideID string) (models.RideRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rideRec.ID != rideID {
		return models.RideRecord{}, errors.New("unknown ride")
	}
	return f.rideRec, nil
}

func (f *fakeGateway) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderStatuses = append(f.orderStatuses, status)
	f.order.Status = status
	return nil
}

func (f *fakeGateway) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order, nil
}

func (f *fakeGateway) resolution(id string) models.OfferStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved[id]
}

// fakeChannel connects immediately and then relays whatever the test sends.
type fakeChannel struct {
	events chan notify.Event
}

func (c *fakeChannel) Run(ctx context.Context, deliver func(notify.Event)) error {
	deliver(notify.Event{Type: notify.KindConnected})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			deliver(ev)
		}
	}
}

type harness struct {
	session *Session
	gw      *fakeGateway
	ch      *fakeChannel
	clk     *clock.Mock
	done    chan error
}

func startSession(t *testing.T, gw *fakeGateway) *harness {
	t.Helper()
	clk := clock.NewMock()
	ch := &fakeChannel{events: make(chan notify.Event, 8)}
	s := NewSession(Config{
		CourierID: "c1",
		OfferTick: time.Second,
		Retry:     ride.RetryPolicy{Attempts: 2, Delay: time.Millisecond},
	}, Deps{Gateway: gw, Channel: ch, Clock: clk})
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{session: s, gw: gw, ch: ch, clk: clk, done: make(chan error, 1)}
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			if err != nil {
				t.Errorf("session run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return h
}

func (h *harness) offer(id string) models.Offer {
	now := h.clk.Now()
	return models.Offer{
		ID:        id,
		CourierID: "c1",
		Status:    models.OfferPending,
		Payload:   models.OfferPayload{OrderID: "o1", Pickup: store, Dropoff: customer, Price: 12.5},
		CreatedAt: now,
		ExpiresAt: now.Add(60 * time.Second),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pendingOffer(h *harness, id string) func() bool {
	return func() bool {
		v := h.session.OfferState().Get()
		return v.State == OfferPending && v.Offer != nil && v.Offer.ID == id
	}
}

func TestConnectedPicksUpListedOffer(t *testing.T) {
	gw := newFakeGateway()
	h := startSession(t, gw)
	gw.mu.Lock()
	gw.offers = []models.Offer{h.offer("off-1")}
	gw.mu.Unlock()

	h.ch.events <- notify.Event{Type: notify.KindConnected}
	waitFor(t, "pending offer", pendingOffer(h, "off-1"))
	if !h.session.Availability().Get() {
		t.Fatalf("availability should come from the backend courier record")
	}
	if got := h.session.RideStage().Get(); got != models.StageOffered {
		t.Fatalf("expected offered, got %s", got)
	}
	if got := h.session.OfferState().Get().RemainingSeconds; got != 60 {
		t.Fatalf("expected 60s remaining, got %d", got)
	}
}

func TestGoingUnavailableDeclinesPendingOffer(t *testing.T) {
	gw := newFakeGateway()
	h := startSession(t, gw)
	gw.mu.Lock()
	gw.offers = []models.Offer{h.offer("off-1")}
	gw.mu.Unlock()
	h.ch.events <- notify.Event{Type: notify.KindNotificationUpdate}
	waitFor(t, "pending offer", pendingOffer(h, "off-1"))

	if err := h.session.ToggleAvailability(context.Background(), false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if got := gw.resolution("off-1"); got != models.OfferDeclined {
		t.Fatalf("backend should see DECLINED, got %q", got)
	}
	if h.session.Availability().Get() {
		t.Fatalf("courier should be unavailable")
	}
	waitFor(t, "declined view", func() bool { return h.session.OfferState().Get().State == OfferDeclined })
	waitFor(t, "idle stage", func() bool { return h.session.RideStage().Get() == models.StageIdle })
	if _, ok := h.session.ledger.Pending("c1"); ok {
		t.Fatalf("no offer should remain pending")
	}
}

func TestUnavailableCourierIgnoresOffers(t *testing.T) {
	gw := newFakeGateway()
	gw.courier.Available = false
	h := startSession(t, gw)
	gw.mu.Lock()
	gw.offers = []models.Offer{h.offer("off-1")}
	gw.mu.Unlock()
	h.ch.events <- notify.Event{Type: notify.KindNotificationUpdate}
	h.ch.events <- notify.Event{Type: notify.KindNotificationUpdate}
	time.Sleep(50 * time.Millisecond)
	if _, ok := h.session.ledger.Get("off-1"); ok {
		t.Fatalf("unavailable courier should not track offers")
	}
}

func TestOfferCountdownAndExpiry(t *testing.T) {
	gw := newFakeGateway()
	h := startSession(t, gw)
	gw.mu.Lock()
	gw.offers = []models.Offer{h.offer("off-1")}
	gw.mu.Unlock()
	h.ch.events <- notify.Event{Type: notify.KindNotificationUpdate}
	waitFor(t, "pending offer", pendingOffer(h, "off-1"))

	h.clk.Add(time.Second)
	waitFor(t, "tick", func() bool { return h.session.OfferState().Get().RemainingSeconds == 59 })

	h.clk.Add(59 * time.Second)
	waitFor(t, "expired view", func() bool { return h.session.OfferState().Get().State == OfferExpired })
	waitFor(t, "idle stage", func() bool { return h.session.RideStage().Get() == models.StageIdle })
	if _, err := h.session.AcceptOffer(context.Background(), "off-1"); err == nil {
		t.Fatalf("accepting an expired offer must fail")
	}
}

func TestAcceptOfferStartsRide(t *testing.T) {
	gw := newFakeGateway()
	h := startSession(t, gw)
	gw.mu.Lock()
	gw.offers = []models.Offer{h.offer("off-1")}
	gw.mu.Unlock()
	h.ch.events <- notify.Event{Type: notify.KindNotificationUpdate}
	waitFor(t, "pending offer", pendingOffer(h, "off-1"))

	rd, err := h.session.AcceptOffer(context.Background(), "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if rd.Stage != models.StageEnRouteToStore || rd.ID != "ride-1" {
		t.Fatalf("unexpected ride %+v", rd)
	}
	if rd.Waypoints[0].Point != store || rd.Waypoints[1].Point != customer {
		t.Fatalf("route should come from the order, got %+v", rd.Waypoints)
	}
	if got := gw.resolution("off-1"); got != models.OfferAccepted {
		t.Fatalf("backend should see ACCEPTED, got %q", got)
	}
	waitFor(t, "route to store", func() bool {
		r := h.session.Route().Get()
		return r.Waypoint == models.WaypointStore && r.Target != nil && *r.Target == store
	})
	waitFor(t, "accepted offer view", func() bool { return h.session.OfferState().Get().State == OfferAccepted })
	if err := h.session.ToggleAvailability(context.Background(), false); !errors.Is(err, ride.ErrInvalidStage) {
		t.Fatalf("going unavailable mid-ride should fail, got %v", err)
	}
}

func TestRefusedConfirmationResetsOfferView(t *testing.T) {
	gw := newFakeGateway()
	gw.createErr = &gateway.StatusError{Op: "create_ride", Status: http.StatusConflict, Message: "order taken"}
	h := startSession(t, gw)
	gw.mu.Lock()
	gw.offers = []models.Offer{h.offer("off-1")}
	gw.mu.Unlock()
	h.ch.events <- notify.Event{Type: notify.KindNotificationUpdate}
	waitFor(t, "pending offer", pendingOffer(h, "off-1"))

	if _, err := h.session.AcceptOffer(context.Background(), "off-1"); !errors.Is(err, gateway.ErrBackendRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	waitFor(t, "idle stage", func() bool { return h.session.RideStage().Get() == models.StageIdle })
	waitFor(t, "idle offer view", func() bool {
		v := h.session.OfferState().Get()
		return v.State == OfferIdle && v.Offer == nil
	})
	if !h.session.Availability().Get() {
		t.Fatalf("courier should be available after the rollback")
	}
}

func TestHeldConfirmationShowsConfirmingUntilRetried(t *testing.T) {
	gw := newFakeGateway()
	gw.createErr = fmt.Errorf("create_ride: %w", gateway.ErrNetworkTimeout)
	h := startSession(t, gw)
	gw.mu.Lock()
	gw.offers = []models.Offer{h.offer("off-1")}
	gw.mu.Unlock()
	h.ch.events <- notify.Event{Type: notify.KindNotificationUpdate}
	waitFor(t, "pending offer", pendingOffer(h, "off-1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.session.AcceptOffer(ctx, "off-1")
		done <- err
	}()
	// the request going away must not abort the backend confirmation
	cancel()
	var err error
	for finished := false; !finished; {
		select {
		case err = <-done:
			finished = true
		default:
			h.clk.Add(time.Millisecond)
		}
	}
	if !errors.Is(err, gateway.ErrNetworkTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	waitFor(t, "held acceptance", func() bool { return h.session.RideStage().Get() == models.StageAccepted })
	waitFor(t, "confirming offer view", func() bool { return h.session.OfferState().Get().State == OfferConfirming })

	gw.mu.Lock()
	gw.createErr = nil
	gw.mu.Unlock()
	rd, err := h.session.ConfirmAcceptance(context.Background())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rd.ID != "ride-1" {
		t.Fatalf("unexpected ride %+v", rd)
	}
	waitFor(t, "accepted offer view", func() bool {
		v := h.session.OfferState().Get()
		return v.State == OfferAccepted && v.Offer != nil && v.Offer.ID == "off-1"
	})
}

func TestNotificationWithdrawsVanishedOffer(t *testing.T) {
	gw := newFakeGateway()
	h := startSession(t, gw)
	gw.mu.Lock()
	gw.offers = []models.Offer{h.offer("off-1")}
	gw.mu.Unlock()
	h.ch.events <- notify.Event{Type: notify.KindNotificationUpdate}
	waitFor(t, "pending offer", pendingOffer(h, "off-1"))

	gw.mu.Lock()
	gw.offers = nil
	gw.mu.Unlock()
	h.ch.events <- notify.Event{Type: notify.KindNotificationUpdate}
	waitFor(t, "withdrawn offer", func() bool { return h.session.OfferState().Get().State == OfferExpired })
	waitFor(t, "idle stage", func() bool { return h.session.RideStage().Get() == models.StageIdle })
}

func TestReconnectRestoresActiveRide(t *testing.T) {
	gw := newFakeGateway()
	arrived := time.Date(2024, 3, 1, 11, 50, 0, 0, time.UTC)
	gw.courier.CurrentRideID = "ride-9"
	gw.order.Status = models.OrderPreparing
	gw.rideRec = models.RideRecord{ID: "ride-9", CourierID: "c1", OrderID: "o1", ArrivalStore: &arrived}
	h := startSession(t, gw)

	waitFor(t, "restored ride", func() bool { return h.session.RideStage().Get() == models.StageAtStore })
	rd, ok := h.session.machine.Ride()
	if !ok {
		t.Fatalf("expected a ride after reconnect")
	}
	if !rd.Waypoints[0].Reached || rd.Waypoints[1].Reached {
		t.Fatalf("unexpected waypoints %+v", rd.Waypoints)
	}
	if rd.CompletionCode != "4321" {
		t.Fatalf("completion code should fall back to the order")
	}

	gw.mu.Lock()
	gw.order.Status = models.OrderDelivered
	gw.mu.Unlock()
	h.ch.events <- notify.Event{Type: notify.KindConnected}
	waitFor(t, "ride dropped", func() bool { return h.session.RideStage().Get() == models.StageIdle })
}

func TestReportPositionValidates(t *testing.T) {
	s := NewSession(Config{CourierID: "c1"}, Deps{Gateway: newFakeGateway(), Channel: &fakeChannel{}, Clock: clock.NewMock()})
	if err := s.ReportPosition(location.Sample{Pos: models.Coord{Lat: 91, Lon: 0}}); !errors.Is(err, geo.ErrInvalidCoordinate) {
		t.Fatalf("expected invalid coordinate, got %v", err)
	}
	if err := s.ReportPosition(location.Sample{Pos: store}); err != nil {
		t.Fatalf("valid position rejected: %v", err)
	}
}
