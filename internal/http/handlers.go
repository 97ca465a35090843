package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/courier-dispatch/internal/dispatch"
	"github.com/example/courier-dispatch/internal/gateway"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

var (
	errForbidden   = errors.New("resource belongs to another courier")
	errUnavailable = errors.New("courier is not available")
	errGone        = errors.New("offer expired")
	errConflict    = errors.New("conflicting state")
)

// LocationPublisher streams courier positions to downstream consumers.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p geo.CourierPosition) error
}

// Payments holds an order's payment and settles it when the order ends.
type Payments interface {
	Hold(ctx context.Context, orderID string, price float64) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Deps wires the gateway. Locations, Notifier and Payments are optional.
type Deps struct {
	Store     storage.Store
	Geo       geo.Geo
	Locations LocationPublisher
	Notifier  dispatch.Notifier
	Hub       *dispatch.Hub
	Payments  Payments
	OfferTTL  time.Duration
	Clock     clock.Clock
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.OfferTTL <= 0 {
		deps.OfferTTL = 60 * time.Second
	}
	if deps.Geo == nil {
		deps.Geo = geo.NewIndex()
	}
	if deps.Hub == nil {
		deps.Hub = dispatch.NewHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: deps, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/courier/self", s.handleGetCourier).Methods("GET")
	api.HandleFunc("/courier/self", s.handleUpdateCourier).Methods("PUT")
	api.HandleFunc("/notifications", s.handleListOffers).Methods("GET")
	api.HandleFunc("/notification", s.handleResolveOffer).Methods("PUT")
	api.HandleFunc("/offers", s.handleCreateOffer).Methods("POST")
	api.HandleFunc("/ride", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/ride", s.handleUpdateRide).Methods("PUT")
	api.HandleFunc("/ride/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/order", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/order/status", s.handleUpdateOrderStatus).Methods("PUT")
	api.HandleFunc("/order/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/couriers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{courier_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// courierID is set by the identity proxy in front of the gateway.
func courierID(r *http.Request) (string, bool) {
	id := r.Header.Get(gateway.CourierHeader)
	return id, id != ""
}

func (s *Server) ensureCourier(ctx context.Context, id string) (models.Courier, error) {
	c, err := s.Store.GetCourier(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c = models.Courier{ID: id}
		return c, s.Store.SaveCourier(ctx, c)
	}
	return c, err
}

func (s *Server) handleGetCourier(w http.ResponseWriter, r *http.Request) {
	id, ok := courierID(r)
	if !ok {
		http.Error(w, "missing courier identity", http.StatusUnauthorized)
		return
	}
	c, err := s.ensureCourier(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCourier(w http.ResponseWriter, r *http.Request) {
	id, ok := courierID(r)
	if !ok {
		http.Error(w, "missing courier identity", http.StatusUnauthorized)
		return
	}
	var upd models.CourierUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if upd.Coordinates != nil {
		if err := geo.Validate(*upd.Coordinates); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	ctx := r.Context()
	c, err := s.ensureCourier(ctx, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if upd.Available != nil && *upd.Available != c.Available {
		c.Available = *upd.Available
		if c.Available {
			observability.CouriersAvailable.Inc()
		} else {
			observability.CouriersAvailable.Dec()
		}
	}
	if upd.Coordinates != nil {
		pos := *upd.Coordinates
		c.Position = &pos
		c.ReportedAt = s.Clock.Now()
	}
	if err := s.Store.SaveCourier(ctx, c); err != nil {
		s.fail(w, err)
		return
	}
	if upd.Coordinates != nil || upd.Available != nil {
		s.indexPosition(ctx, c)
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) indexPosition(ctx context.Context, c models.Courier) {
	if c.Position == nil {
		return
	}
	p := geo.CourierPosition{CourierID: c.ID, Loc: *c.Position, Available: c.Available, Updated: c.ReportedAt}
	s.Geo.Upsert(p)
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(ctx, p); err != nil {
			s.logger.Warn("location publish failed", "courier_id", c.ID, "error", err)
		}
	}
}

// expireOverdue expires pending offers whose deadline has passed and
// returns the courier's offers as they stand afterwards.
func (s *Server) expireOverdue(ctx context.Context, courierID string) ([]models.Offer, error) {
	offers, err := s.Store.ListOffers(ctx, courierID)
	if err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	for i, o := range offers {
		if o.Status != models.OfferPending || now.Before(o.ExpiresAt) {
			continue
		}
		got, err := s.Store.ResolveOffer(ctx, o.ID, models.OfferExpired, now)
		switch {
		case err == nil:
			observability.OfferResolutions.WithLabelValues(string(models.OfferExpired)).Inc()
		case errors.Is(err, storage.ErrOfferResolved):
		default:
			return nil, err
		}
		offers[i] = got
	}
	return offers, nil
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	caller, _ := courierID(r)
	id := r.URL.Query().Get("courierId")
	if id == "" {
		id = caller
	}
	if id == "" {
		http.Error(w, "courierId is required", http.StatusBadRequest)
		return
	}
	if caller != "" && caller != id {
		s.fail(w, errForbidden)
		return
	}
	offers, err := s.expireOverdue(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

type createOfferRequest struct {
	CourierID  string              `json:"courierId"`
	Payload    models.OfferPayload `json:"payload"`
	TTLSeconds int                 `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var req createOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.CourierID == "" || req.Payload.OrderID == "" {
		http.Error(w, "courierId and payload.orderId are required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	order, err := s.Store.GetOrder(ctx, req.Payload.OrderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	fillPayload(&req.Payload, order)

	c, err := s.ensureCourier(ctx, req.CourierID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !c.Available || c.CurrentRideID != "" {
		s.fail(w, errUnavailable)
		return
	}
	if _, err := s.expireOverdue(ctx, c.ID); err != nil {
		s.fail(w, err)
		return
	}
	ttl := s.OfferTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	now := s.Clock.Now()
	o := models.Offer{
		ID:        uuid.NewString(),
		CourierID: c.ID,
		Payload:   req.Payload,
		Status:    models.OfferPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.Store.CreateOffer(ctx, o); err != nil {
		s.fail(w, err)
		return
	}
	observability.OffersCreated.Inc()
	s.notify(ctx, c.ID)
	writeJSON(w, http.StatusCreated, o)
}

func fillPayload(p *models.OfferPayload, o models.Order) {
	if p.Pickup == (models.Coord{}) {
		p.Pickup = o.Store
	}
	if p.Dropoff == (models.Coord{}) {
		p.Dropoff = o.Customer
	}
	if p.Price == 0 {
		p.Price = o.Price
	}
	if p.DistanceKm == 0 {
		p.DistanceKm = o.DistanceKm
	}
}

func (s *Server) handleResolveOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := courierID(r)
	if !ok {
		http.Error(w, "missing courier identity", http.StatusUnauthorized)
		return
	}
	var req gateway.OfferResolution
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Status != models.OfferAccepted && req.Status != models.OfferDeclined {
		http.Error(w, "status must be ACCEPTED or DECLINED", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	o, err := s.Store.GetOffer(ctx, req.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if o.CourierID != id {
		s.fail(w, errForbidden)
		return
	}
	now := s.Clock.Now()
	to := req.Status
	if o.Status == models.OfferPending && !now.Before(o.ExpiresAt) {
		to = models.OfferExpired
	}
	got, err := s.Store.ResolveOffer(ctx, o.ID, to, now)
	switch {
	case errors.Is(err, storage.ErrOfferResolved):
		// retried resolutions are answered with the stored outcome
		if got.Status == req.Status {
			writeJSON(w, http.StatusOK, got)
			return
		}
		if got.Status == models.OfferExpired {
			s.fail(w, errGone)
			return
		}
		s.fail(w, fmt.Errorf("%w: offer %s is %s", errConflict, o.ID, got.Status))
		return
	case err != nil:
		s.fail(w, err)
		return
	}
	observability.OfferResolutions.WithLabelValues(string(got.Status)).Inc()
	if got.Status == models.OfferExpired {
		s.fail(w, errGone)
		return
	}
	if got.Status == models.OfferAccepted {
		if err := s.setAvailable(ctx, id, false); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.notify(ctx, id)
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) setAvailable(ctx context.Context, courierID string, available bool) error {
	c, err := s.ensureCourier(ctx, courierID)
	if err != nil {
		return err
	}
	if c.Available == available {
		return nil
	}
	c.Available = available
	if available {
		observability.CouriersAvailable.Inc()
	} else {
		observability.CouriersAvailable.Dec()
	}
	return s.Store.SaveCourier(ctx, c)
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	id, ok := courierID(r)
	if !ok {
		http.Error(w, "missing courier identity", http.StatusUnauthorized)
		return
	}
	var rec models.RideRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rec.OrderID == "" {
		http.Error(w, "order is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	order, err := s.Store.GetOrder(ctx, rec.OrderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	c, err := s.ensureCourier(ctx, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if c.CurrentRideID != "" {
		existing, err := s.Store.GetRide(ctx, c.CurrentRideID)
		if err == nil && existing.OrderID == rec.OrderID {
			// a retried create after a lost response
			writeJSON(w, http.StatusOK, existing)
			return
		}
		if err == nil {
			s.fail(w, fmt.Errorf("%w: courier already on ride %s", errConflict, existing.ID))
			return
		}
	}
	if ok, err := s.hasAcceptedOffer(ctx, id, rec.OrderID); err != nil {
		s.fail(w, err)
		return
	} else if !ok {
		s.fail(w, fmt.Errorf("%w: no accepted offer for order %s", errConflict, rec.OrderID))
		return
	}

	rec.ID = uuid.NewString()
	rec.CourierID = id
	rec.CreatedAt = s.Clock.Now()
	rec.ArrivalStore, rec.ArrivalCustomer = nil, nil
	if rec.CompletionCode == "" {
		rec.CompletionCode = order.CompletionCode
	}
	if rec.From == (models.Coord{}) {
		rec.From = order.Store
	}
	if rec.To == (models.Coord{}) {
		rec.To = order.Customer
	}
	if err := s.Store.SaveRide(ctx, rec); err != nil {
		s.fail(w, err)
		return
	}
	c.CurrentRideID = rec.ID
	if err := s.Store.SaveCourier(ctx, c); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) hasAcceptedOffer(ctx context.Context, courierID, orderID string) (bool, error) {
	offers, err := s.Store.ListOffers(ctx, courierID)
	if err != nil {
		return false, err
	}
	for _, o := range offers {
		if o.Status == models.OfferAccepted && o.Payload.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) handleUpdateRide(w http.ResponseWriter, r *http.Request) {
	id, ok := courierID(r)
	if !ok {
		http.Error(w, "missing courier identity", http.StatusUnauthorized)
		return
	}
	var upd models.RideUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	rec, err := s.Store.GetRide(ctx, upd.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rec.CourierID != id {
		s.fail(w, errForbidden)
		return
	}
	rec, err = s.Store.MarkArrival(ctx, upd)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if id, ok := courierID(r); ok && rec.CourierID != id {
		s.fail(w, errForbidden)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var o models.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := errors.Join(geo.Validate(o.Store), geo.Validate(o.Customer)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CompletionCode == "" {
		code, err := newCompletionCode()
		if err != nil {
			s.fail(w, err)
			return
		}
		o.CompletionCode = code
	}
	if o.DistanceKm == 0 {
		d, _ := geo.Distance(o.Store, o.Customer)
		o.DistanceKm = d / 1000
	}
	now := s.Clock.Now()
	o.Status = models.OrderPending
	o.CreatedAt, o.UpdatedAt = now, now
	if s.Payments != nil && o.Price > 0 {
		pi, err := s.Payments.Hold(ctx, o.ID, o.Price)
		if err != nil {
			s.logger.Error("payment hold failed", "order_id", o.ID, "error", err)
			http.Error(w, "payment hold failed", http.StatusBadGateway)
			return
		}
		o.PaymentIntentID = pi
	}
	if err := s.Store.SaveOrder(ctx, o); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Store.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func validOrderStatus(st models.OrderStatus) bool {
	switch st {
	case models.OrderPending, models.OrderPreparing, models.OrderDelivered, models.OrderCanceled:
		return true
	}
	return false
}

func (s *Server) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req gateway.OrderStatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !validOrderStatus(req.Status) {
		http.Error(w, fmt.Sprintf("unknown order status %q", req.Status), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	o, err := s.Store.GetOrder(ctx, req.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if o.Status == req.Status {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if o.Status == models.OrderDelivered || o.Status == models.OrderCanceled {
		s.fail(w, fmt.Errorf("%w: order %s is %s", errConflict, o.ID, o.Status))
		return
	}
	if req.Status == models.OrderDelivered {
		id, ok := courierID(r)
		if !ok {
			http.Error(w, "missing courier identity", http.StatusUnauthorized)
			return
		}
		if err := s.checkCarrier(ctx, id, o.ID); err != nil {
			s.fail(w, err)
			return
		}
	}
	o, err = s.Store.UpdateOrderStatus(ctx, o.ID, req.Status, s.Clock.Now())
	if err != nil {
		s.fail(w, err)
		return
	}
	switch o.Status {
	case models.OrderDelivered:
		s.settle(ctx, o, true)
	case models.OrderCanceled:
		s.settle(ctx, o, false)
	}
	if o.Status == models.OrderDelivered || o.Status == models.OrderCanceled {
		if id, ok := courierID(r); ok {
			if err := s.finishRide(ctx, id, o.ID); err != nil {
				s.fail(w, err)
				return
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// settle captures or releases the held payment. Failures are left to
// operators; the delivery itself stands.
func (s *Server) settle(ctx context.Context, o models.Order, capture bool) {
	if s.Payments == nil || o.PaymentIntentID == "" {
		return
	}
	var err error
	if capture {
		err = s.Payments.Capture(ctx, o.PaymentIntentID)
	} else {
		err = s.Payments.Cancel(ctx, o.PaymentIntentID)
	}
	if err != nil {
		s.logger.Error("payment settlement failed", "order_id", o.ID, "capture", capture, "error", err)
	}
}

// checkCarrier allows only the courier whose current ride carries orderID.
func (s *Server) checkCarrier(ctx context.Context, courierID, orderID string) error {
	c, err := s.ensureCourier(ctx, courierID)
	if err != nil {
		return err
	}
	if c.CurrentRideID == "" {
		return fmt.Errorf("%w: courier %s has no ride for order %s", errForbidden, courierID, orderID)
	}
	rec, err := s.Store.GetRide(ctx, c.CurrentRideID)
	if err != nil {
		return err
	}
	if rec.OrderID != orderID {
		return fmt.Errorf("%w: order %s is not on ride %s", errForbidden, orderID, rec.ID)
	}
	return nil
}

func (s *Server) finishRide(ctx context.Context, courierID, orderID string) error {
	c, err := s.ensureCourier(ctx, courierID)
	if err != nil || c.CurrentRideID == "" {
		return err
	}
	rec, err := s.Store.GetRide(ctx, c.CurrentRideID)
	if err != nil {
		return err
	}
	if rec.OrderID != orderID {
		return nil
	}
	c.CurrentRideID = ""
	return s.Store.SaveCourier(ctx, c)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		http.Error(w, "lat and lon are required", http.StatusBadRequest)
		return
	}
	radius := 3000.0
	if v := q.Get("radius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			http.Error(w, "invalid radius", http.StatusBadRequest)
			return
		}
		radius = f
	}
	center := models.Coord{Lat: lat, Lon: lon}
	if err := geo.Validate(center); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.Geo.Nearby(center, radius, 20))
}

// notify pushes notificationUpdate to the courier. Delivery is best effort
// and does not depend on the request context.
func (s *Server) notify(ctx context.Context, courierID string) {
	if s.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	ev := notify.Event{Type: notify.KindNotificationUpdate, CourierID: courierID, At: s.Clock.Now()}
	if err := s.Notifier.Notify(ctx, courierID, ev); err != nil {
		s.logger.Warn("notificationUpdate not delivered", "courier_id", courierID, "error", err)
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["courier_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "courier_id", id, "error", err)
		return
	}
	s.Hub.Add(id, conn)
	defer s.Hub.Remove(id, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errForbidden):
		status = http.StatusForbidden
	case errors.Is(err, errGone):
		status = http.StatusGone
	case errors.Is(err, storage.ErrPendingOffer), errors.Is(err, errUnavailable), errors.Is(err, errConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newCompletionCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

