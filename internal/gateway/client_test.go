package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/courier-dispatch/internal/models"
)

func newBackend(t *testing.T, routes func(r *mux.Router)) (*Client, *httptest.Server) {
	t.Helper()
	r := mux.NewRouter()
	routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "c1", "secret", time.Second), srv
}

func TestResolveOfferSendsCourierIdentity(t *testing.T) {
	var got OfferResolution
	var courier, auth string
	c, _ := newBackend(t, func(r *mux.Router) {
		r.HandleFunc("/api/notification", func(w http.ResponseWriter, req *http.Request) {
			courier = req.Header.Get(CourierHeader)
			auth = req.Header.Get("Authorization")
			_ = json.NewDecoder(req.Body).Decode(&got)
			w.WriteHeader(http.StatusNoContent)
		}).Methods(http.MethodPut)
	})
	if err := c.ResolveOffer(context.Background(), "n-1", models.OfferDeclined); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != "n-1" || got.Status != models.OfferDeclined {
		t.Fatalf("unexpected body %+v", got)
	}
	if courier != "c1" || auth != "Bearer secret" {
		t.Fatalf("unexpected identity headers %q %q", courier, auth)
	}
}

func TestListOffersByCourier(t *testing.T) {
	c, _ := newBackend(t, func(r *mux.Router) {
		r.HandleFunc("/api/notifications", func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Query().Get("courierId") != "c1" {
				http.Error(w, "wrong courier", http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode([]models.Offer{{ID: "n-1", CourierID: "c1", Status: models.OfferPending}})
		}).Methods(http.MethodGet)
	})
	offers, err := c.ListOffers(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(offers) != 1 || offers[0].ID != "n-1" {
		t.Fatalf("unexpected offers %+v", offers)
	}
}

func TestCreateRideReturnsCode(t *testing.T) {
	c, _ := newBackend(t, func(r *mux.Router) {
		r.HandleFunc("/api/ride", func(w http.ResponseWriter, req *http.Request) {
			var rec models.RideRecord
			if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			rec.ID = "ride-9"
			rec.CompletionCode = "4821"
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(rec)
		}).Methods(http.MethodPost)
	})
	rec, err := c.CreateRide(context.Background(), models.RideRecord{OrderID: "o-1", Price: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID != "ride-9" || rec.CompletionCode != "4821" || rec.OrderID != "o-1" {
		t.Fatalf("unexpected ride %+v", rec)
	}
}

func TestErrorMapping(t *testing.T) {
	c, _ := newBackend(t, func(r *mux.Router) {
		r.HandleFunc("/api/order/{id}", func(w http.ResponseWriter, req *http.Request) {
			http.Error(w, "order not found", http.StatusNotFound)
		}).Methods(http.MethodGet)
		r.HandleFunc("/api/order/status", func(w http.ResponseWriter, req *http.Request) {
			http.Error(w, "invalid transition", http.StatusConflict)
		}).Methods(http.MethodPut)
		r.HandleFunc("/api/courier/self", func(w http.ResponseWriter, req *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}).Methods(http.MethodGet)
	})

	_, err := c.GetOrder(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, ErrBackendRejected) {
		t.Fatalf("expected not found rejection, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		t.Fatalf("expected StatusError 404, got %v", err)
	}

	err = c.UpdateOrderStatus(context.Background(), "o-1", models.OrderDelivered)
	if !errors.Is(err, ErrBackendRejected) || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected plain rejection, got %v", err)
	}

	c.Timeout = 20 * time.Millisecond
	if _, err := c.GetCourier(context.Background()); !errors.Is(err, ErrNetworkTimeout) {
		t.Fatalf("expected ErrNetworkTimeout, got %v", err)
	}
}

func TestUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewClient(url, "c1", "", time.Second)
	if _, err := c.GetCourier(context.Background()); !errors.Is(err, ErrNetworkTimeout) {
		t.Fatalf("expected ErrNetworkTimeout for refused connection, got %v", err)
	}
}

func TestIsRefusal(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&StatusError{Op: "create_ride", Status: http.StatusConflict}, true},
		{fmt.Errorf("wrapped: %w", &StatusError{Status: http.StatusGone}), true},
		{&StatusError{Status: http.StatusNotFound}, true},
		{&StatusError{Status: http.StatusTooManyRequests}, false},
		{&StatusError{Status: http.StatusBadGateway}, false},
		{fmt.Errorf("create_ride: %w", ErrNetworkTimeout), false},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := IsRefusal(tc.err); got != tc.want {
			t.Fatalf("IsRefusal(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
