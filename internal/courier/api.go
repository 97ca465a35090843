package courier

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/courier-dispatch/internal/gateway"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/location"
	"github.com/example/courier-dispatch/internal/offer"
	"github.com/example/courier-dispatch/internal/ride"
)

// API exposes a session to the courier UI over HTTP.
type API struct {
	session *Session
	logger  *slog.Logger
	mux     *mux.Router
}

func NewAPI(s *Session, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{session: s, logger: logger.With("component", "api"), mux: mux.NewRouter()}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("/state", a.handleState).Methods(http.MethodGet)
	a.mux.HandleFunc("/availability", a.handleAvailability).Methods(http.MethodPut)
	a.mux.HandleFunc("/offer/accept", a.handleAccept).Methods(http.MethodPost)
	a.mux.HandleFunc("/offer/decline", a.handleDecline).Methods(http.MethodPost)
	a.mux.HandleFunc("/offer/confirm", a.handleConfirm).Methods(http.MethodPost)
	a.mux.HandleFunc("/offer/abandon", a.handleAbandon).Methods(http.MethodPost)
	a.mux.HandleFunc("/ride/depart", a.handleDepart).Methods(http.MethodPost)
	a.mux.HandleFunc("/ride/completion", a.handleRequestCompletion).Methods(http.MethodPost)
	a.mux.HandleFunc("/ride/complete", a.handleComplete).Methods(http.MethodPost)
	a.mux.HandleFunc("/location", a.handleLocation).Methods(http.MethodPost)
	a.mux.HandleFunc("/events", a.handleEvents).Methods(http.MethodGet)
	a.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	a.mux.Handle("/metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.mux.ServeHTTP(w, r) }

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Available *bool `json:"isAvailable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Available == nil {
		http.Error(w, "isAvailable is required", http.StatusBadRequest)
		return
	}
	if err := a.session.ToggleAvailability(r.Context(), *body.Available); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

type offerRequest struct {
	OfferID string `json:"offerId"`
}

func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (a *API) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body offerRequest
	if err := decodeOptional(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rd, err := a.session.AcceptOffer(r.Context(), body.OfferID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// handleConfirm retries the backend confirmation of an acceptance that is
// still held.
func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	rd, err := a.session.ConfirmAcceptance(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (a *API) handleAbandon(w http.ResponseWriter, r *http.Request) {
	if err := a.session.AbandonAcceptance(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body offerRequest
	if err := decodeOptional(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.session.DeclineOffer(r.Context(), body.OfferID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDepart(w http.ResponseWriter, r *http.Request) {
	if err := a.session.Depart(); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRequestCompletion(w http.ResponseWriter, r *http.Request) {
	if err := a.session.RequestCompletion(); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.session.ConfirmCompletion(r.Context(), body.Code); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLocation(w http.ResponseWriter, r *http.Request) {
	var s location.Sample
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.session.ReportPosition(s); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

var upgrader = websocket.Upgrader{}

// update is one frame on the /events stream.
type update struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleEvents streams observable changes until the client goes away. Every
// stream starts with the current value of each observable.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// reads only to notice the client closing
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	offers, stopOffers := a.session.OfferState().Subscribe()
	defer stopOffers()
	stages, stopStages := a.session.RideStage().Subscribe()
	defer stopStages()
	avail, stopAvail := a.session.Availability().Subscribe()
	defer stopAvail()
	routes, stopRoutes := a.session.Route().Subscribe()
	defer stopRoutes()
	positions, stopPositions := a.session.Position().Subscribe()
	defer stopPositions()

	for {
		var u update
		select {
		case <-ctx.Done():
			return
		case v := <-offers:
			u = update{Type: "offer", Data: v}
		case v := <-stages:
			u = update{Type: "stage", Data: v}
		case v := <-avail:
			u = update{Type: "availability", Data: v}
		case v := <-routes:
			u = update{Type: "route", Data: v}
		case v := <-positions:
			if v.At.IsZero() {
				continue
			}
			u = update{Type: "position", Data: v}
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(u); err != nil {
			a.logger.Debug("events stream closed", "error", err)
			return
		}
	}
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinate), errors.Is(err, ride.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoPendingOffer), errors.Is(err, offer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, offer.ErrExpired):
		return http.StatusGone
	case errors.Is(err, ride.ErrCodeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ride.ErrInvalidStage), errors.Is(err, ride.ErrInFlight), errors.Is(err, offer.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrNetworkTimeout), errors.Is(err, gateway.ErrBackendRejected):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
