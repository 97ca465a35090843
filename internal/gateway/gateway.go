// Package gateway is the courier runtime's client for the dispatch backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/example/courier-dispatch/internal/models"
)

var (
	ErrNetworkTimeout  = errors.New("dispatch backend unreachable")
	ErrBackendRejected = errors.New("dispatch backend rejected request")
	ErrNotFound        = errors.New("not found on dispatch backend")
)

// Gateway is the dispatch backend contract consumed by the courier runtime.
type Gateway interface {
	GetCourier(ctx context.Context) (models.Courier, error)
	UpdateCourier(ctx context.Context, upd models.CourierUpdate) (models.Courier, error)
	ListOffers(ctx context.Context) ([]models.Offer, error)
	ResolveOffer(ctx context.Context, offerID string, status models.OfferStatus) error
	CreateRide(ctx context.Context, rec models.RideRecord) (models.RideRecord, error)
	UpdateRide(ctx context.Context, upd models.RideUpdate) error
	GetRide(ctx context.Context, rideID string) (models.RideRecord, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
}

// OfferResolution is the body of PUT notification.
type OfferResolution struct {
	ID     string             `json:"id"`
	Status models.OfferStatus `json:"status"`
}

// OrderStatusUpdate is the body of PUT order/status.
type OrderStatusUpdate struct {
	ID     string             `json:"id"`
	Status models.OrderStatus `json:"status"`
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Message)
}

func (e *StatusError) Unwrap() []error {
	if e.Status == http.StatusNotFound {
		return []error{ErrBackendRejected, ErrNotFound}
	}
	return []error{ErrBackendRejected}
}

// IsRefusal reports whether err carries a 4xx answer that repeating the same
// request cannot change. Request timeouts and rate limits are excluded.
func IsRefusal(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.Status >= 400 && se.Status < 500
}
