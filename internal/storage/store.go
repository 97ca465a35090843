package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrPendingOffer is returned when a courier already holds a pending offer.
	ErrPendingOffer = errors.New("courier already has a pending offer")
	// ErrOfferResolved is returned when a conditional offer update finds the
	// offer no longer pending.
	ErrOfferResolved = errors.New("offer is no longer pending")
)

// Store defines persistence for the dispatch gateway.
type Store interface {
	GetCourier(ctx context.Context, id string) (models.Courier, error)
	SaveCourier(ctx context.Context, c models.Courier) error

	// CreateOffer inserts a pending offer, failing with ErrPendingOffer when
	// the courier already has one.
	CreateOffer(ctx context.Context, o models.Offer) error
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ListOffers(ctx context.Context, courierID string) ([]models.Offer, error)
	// ResolveOffer moves a pending offer to a terminal status, failing with
	// ErrOfferResolved when it is not pending anymore.
	ResolveOffer(ctx context.Context, id string, to models.OfferStatus, at time.Time) (models.Offer, error)

	SaveOrder(ctx context.Context, o models.Order) error
	GetOrder(ctx context.Context, id string) (models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus, at time.Time) (models.Order, error)

	SaveRide(ctx context.Context, r models.RideRecord) error
	GetRide(ctx context.Context, id string) (models.RideRecord, error)
	// MarkArrival sets arrival timestamps that are still unset.
	MarkArrival(ctx context.Context, upd models.RideUpdate) (models.RideRecord, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	couriers map[string]models.Courier
	offers   map[string]models.Offer
	orders   map[string]models.Order
	rides    map[string]models.RideRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		couriers: make(map[string]models.Courier),
		offers:   make(map[string]models.Offer),
		orders:   make(map[string]models.Order),
		rides:    make(map[string]models.RideRecord),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetCourier(ctx context.Context, id string) (models.Courier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.couriers[id]
	if !ok {
		return models.Courier{}, fmt.Errorf("courier %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *MemoryStore) SaveCourier(ctx context.Context, c models.Courier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.couriers[c.ID] = c
	return nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.offers {
		if existing.CourierID == o.CourierID && existing.Status == models.OfferPending {
			return fmt.Errorf("courier %s offer %s: %w", o.CourierID, existing.ID, ErrPendingOffer)
		}
	}
	o.Status = models.OfferPending
	m.offers[o.ID] = o
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (m *MemoryStore) ListOffers(ctx context.Context, courierID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Offer, 0)
	for _, o := range m.offers {
		if o.CourierID == courierID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ResolveOffer(ctx context.Context, id string, to models.OfferStatus, at time.Time) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if o.Status != models.OfferPending {
		return o, fmt.Errorf("offer %s is %s: %w", id, o.Status, ErrOfferResolved)
	}
	o.Status = to
	o.ResolvedAt = &at
	m.offers[id] = o
	return o, nil
}

func (m *MemoryStore) SaveOrder(ctx context.Context, o models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus, at time.Time) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.Status = status
	o.UpdatedAt = at
	m.orders[id] = o
	return o, nil
}

func (m *MemoryStore) SaveRide(ctx context.Context, r models.RideRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.RideRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.RideRecord{}, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) MarkArrival(ctx context.Context, upd models.RideUpdate) (models.RideRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[upd.ID]
	if !ok {
		return models.RideRecord{}, fmt.Errorf("ride %s: %w", upd.ID, ErrNotFound)
	}
	if r.ArrivalStore == nil && upd.ArrivalStore != nil {
		r.ArrivalStore = upd.ArrivalStore
	}
	if r.ArrivalCustomer == nil && upd.ArrivalCustomer != nil {
		r.ArrivalCustomer = upd.ArrivalCustomer
	}
	m.rides[r.ID] = r
	return r, nil
}
