package offer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/example/courier-dispatch/internal/countdown"
	"github.com/example/courier-dispatch/internal/models"
)

var (
	ErrConflictingOffer = errors.New("courier already has a pending offer")
	ErrNotFound         = errors.New("offer not found")
	ErrAlreadyResolved  = errors.New("offer already resolved")
	ErrExpired          = errors.New("offer expired")
)

type EventKind string

const (
	OfferCreated  EventKind = "OfferCreated"
	OfferAccepted EventKind = "OfferAccepted"
	OfferDeclined EventKind = "OfferDeclined"
	OfferExpired  EventKind = "OfferExpired"
)

// Event describes one ledger transition. Countdown is set on OfferCreated.
type Event struct {
	Kind      EventKind
	Offer     models.Offer
	Countdown *countdown.Countdown
}

type entry struct {
	offer     models.Offer
	countdown *countdown.Countdown
}

// Retention is how many resolved offers a ledger remembers after their
// terminal event, so late decisions and duplicate tracks are still refused.
const Retention = 256

// Ledger owns the outstanding offer of each courier. All resolution goes
// through one critical section on the ledger mutex, so an offer reaches
// exactly one terminal state.
type Ledger struct {
	clk       clock.Clock
	tickEvery time.Duration
	emit      func(Event)
	keep      int

	mu        sync.Mutex
	offers    map[string]*entry // pending only
	pending   map[string]string // courier id -> offer id
	recent    map[string]*entry
	recentIDs []string // resolution order, oldest first
}

// NewLedger builds a ledger. emit is called under the ledger lock, in
// transition order; it must not call back into the ledger.
func NewLedger(clk clock.Clock, tickEvery time.Duration, emit func(Event)) *Ledger {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Ledger{
		clk:       clk,
		tickEvery: tickEvery,
		emit:      emit,
		keep:      Retention,
		offers:    make(map[string]*entry),
		pending:   make(map[string]string),
		recent:    make(map[string]*entry),
	}
}

// Create installs a new pending offer for courierID that expires after ttl.
func (l *Ledger) Create(courierID string, payload models.OfferPayload, ttl time.Duration) (string, error) {
	now := l.clk.Now()
	o := models.Offer{
		ID:        uuid.NewString(),
		CourierID: courierID,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := l.Track(o); err != nil {
		return "", err
	}
	return o.ID, nil
}

// Track installs an offer issued elsewhere, keeping its id and deadline.
func (l *Ledger) Track(o models.Offer) error {
	if o.ID == "" || o.CourierID == "" {
		return fmt.Errorf("track offer: id and courier id are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.pending[o.CourierID]; ok {
		return fmt.Errorf("%w: courier=%s pending=%s", ErrConflictingOffer, o.CourierID, id)
	}
	if _, ok := l.lookupLocked(o.ID); ok {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, o.ID)
	}
	o.Status = models.OfferPending
	o.ResolvedAt = nil
	e := &entry{offer: o}
	l.offers[o.ID] = e
	l.pending[o.CourierID] = o.ID
	id := o.ID
	e.countdown = countdown.Start(l.clk, o.ExpiresAt, l.tickEvery, func() { l.OnExpiry(id) })
	l.emit(Event{Kind: OfferCreated, Offer: o, Countdown: e.countdown})
	return nil
}

func (l *Ledger) Accept(offerID string) (models.Offer, error) {
	return l.resolve(offerID, models.OfferAccepted)
}

func (l *Ledger) Decline(offerID string) (models.Offer, error) {
	return l.resolve(offerID, models.OfferDeclined)
}

// resolve applies an explicit courier decision. A decision observed strictly
// before the deadline wins over a concurrently firing expiry; at or after
// the deadline the offer expires and the decision fails with ErrExpired.
func (l *Ledger) resolve(offerID string, to models.OfferStatus) (models.Offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.lookupLocked(offerID)
	if !ok {
		return models.Offer{}, fmt.Errorf("%w: %s", ErrNotFound, offerID)
	}
	switch e.offer.Status {
	case models.OfferPending:
	case models.OfferExpired:
		return e.offer, fmt.Errorf("%w: %s", ErrExpired, offerID)
	default:
		return e.offer, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, offerID, e.offer.Status)
	}
	now := l.clk.Now()
	if !now.Before(e.offer.ExpiresAt) {
		l.finishLocked(e, models.OfferExpired, now)
		return e.offer, fmt.Errorf("%w: %s", ErrExpired, offerID)
	}
	l.finishLocked(e, to, now)
	return e.offer, nil
}

// OnExpiry is invoked by the offer's countdown. It is a no-op unless the
// offer is still pending.
func (l *Ledger) OnExpiry(offerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.offers[offerID]
	if !ok || e.offer.Status != models.OfferPending {
		return
	}
	l.finishLocked(e, models.OfferExpired, l.clk.Now())
}

// Withdraw expires a pending offer the dispatch side no longer lists.
func (l *Ledger) Withdraw(offerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.offers[offerID]
	if !ok || e.offer.Status != models.OfferPending {
		return false
	}
	l.finishLocked(e, models.OfferExpired, l.clk.Now())
	return true
}

func (l *Ledger) finishLocked(e *entry, to models.OfferStatus, at time.Time) {
	e.offer.Status = to
	e.offer.ResolvedAt = &at
	if e.countdown != nil {
		e.countdown.Cancel()
	}
	if l.pending[e.offer.CourierID] == e.offer.ID {
		delete(l.pending, e.offer.CourierID)
	}
	kind := OfferExpired
	switch to {
	case models.OfferAccepted:
		kind = OfferAccepted
	case models.OfferDeclined:
		kind = OfferDeclined
	}
	l.emit(Event{Kind: kind, Offer: e.offer})
	l.retireLocked(e)
}

// retireLocked moves a resolved entry out of the live set into the bounded
// recent set, evicting the oldest resolution once it is full.
func (l *Ledger) retireLocked(e *entry) {
	id := e.offer.ID
	delete(l.offers, id)
	l.recent[id] = e
	l.recentIDs = append(l.recentIDs, id)
	for len(l.recentIDs) > l.keep {
		delete(l.recent, l.recentIDs[0])
		l.recentIDs = l.recentIDs[1:]
	}
}

func (l *Ledger) lookupLocked(offerID string) (*entry, bool) {
	if e, ok := l.offers[offerID]; ok {
		return e, true
	}
	e, ok := l.recent[offerID]
	return e, ok
}

// Pending returns the courier's outstanding offer, if any.
func (l *Ledger) Pending(courierID string) (models.Offer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.pending[courierID]
	if !ok {
		return models.Offer{}, false
	}
	return l.offers[id].offer, true
}

// Get returns a pending offer or one of the recently resolved ones.
func (l *Ledger) Get(offerID string) (models.Offer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.lookupLocked(offerID)
	if !ok {
		return models.Offer{}, false
	}
	return e.offer, true
}

// Countdown returns the countdown of a known offer.
func (l *Ledger) Countdown(offerID string) (*countdown.Countdown, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.lookupLocked(offerID)
	if !ok {
		return nil, false
	}
	return e.countdown, true
}

// Seen reports whether offerID is pending or was resolved recently.
func (l *Ledger) Seen(offerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.lookupLocked(offerID)
	return ok
}

// Live is the number of pending offers held.
func (l *Ledger) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.offers)
}
