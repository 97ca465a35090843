package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Courier is the dispatch-side view of a motoboy.
type Courier struct {
	ID            string    `json:"id"`
	Available     bool      `json:"isAvailable"`
	CurrentRideID string    `json:"currentRideId,omitempty"`
	Position      *Coord    `json:"coordinates,omitempty"`
	ReportedAt    time.Time `json:"reportedAt,omitempty"`
}

// CourierUpdate is a partial update of the courier record. Nil fields are
// left untouched.
type CourierUpdate struct {
	Available   *bool  `json:"isAvailable,omitempty"`
	Coordinates *Coord `json:"coordinates,omitempty"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferDeclined OfferStatus = "DECLINED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// Terminal reports whether the status can no longer change.
func (s OfferStatus) Terminal() bool { return s != OfferPending }

// OfferPayload is what the courier sees when deciding on an offer.
type OfferPayload struct {
	OrderID    string  `json:"orderId"`
	Title      string  `json:"title,omitempty"`
	Pickup     Coord   `json:"pickup"`
	Dropoff    Coord   `json:"dropoff"`
	Price      float64 `json:"price"`
	DistanceKm float64 `json:"distanceKm"`
}

type Offer struct {
	ID         string       `json:"id"`
	CourierID  string       `json:"courierId"`
	Payload    OfferPayload `json:"payload"`
	Status     OfferStatus  `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

type RideStage string

const (
	StageIdle              RideStage = "idle"
	StageOffered           RideStage = "offered"
	StageAccepted          RideStage = "accepted"
	StageEnRouteToStore    RideStage = "en_route_to_store"
	StageAtStore           RideStage = "at_store"
	StageEnRouteToCustomer RideStage = "en_route_to_customer"
	StageAtCustomer        RideStage = "at_customer"
	StageCompletionPending RideStage = "completion_pending"
	StageCompleted         RideStage = "completed"
)

// EnRoute reports whether the courier is actively travelling a ride.
func (s RideStage) EnRoute() bool {
	switch s {
	case StageEnRouteToStore, StageAtStore, StageEnRouteToCustomer, StageAtCustomer, StageCompletionPending:
		return true
	}
	return false
}

type WaypointKind string

const (
	WaypointStore    WaypointKind = "store"
	WaypointCustomer WaypointKind = "customer"
)

type Waypoint struct {
	Kind      WaypointKind `json:"kind"`
	Point     Coord        `json:"point"`
	Reached   bool         `json:"reached"`
	ReachedAt *time.Time   `json:"reachedAt,omitempty"`
}

// Ride is the courier-local cache of an accepted delivery.
type Ride struct {
	ID             string      `json:"id"`
	OfferID        string      `json:"offerId"`
	OrderID        string      `json:"orderId"`
	Waypoints      [2]Waypoint `json:"waypoints"`
	Stage          RideStage   `json:"stage"`
	CompletionCode string      `json:"-"`
	Price          float64     `json:"price"`
	DistanceKm     float64     `json:"distanceKm"`
	AcceptedAt     time.Time   `json:"acceptedAt"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pendente"
	OrderPreparing OrderStatus = "em_preparo"
	OrderDelivered OrderStatus = "entregue"
	OrderCanceled  OrderStatus = "cancelado"
)

type Order struct {
	ID              string      `json:"id"`
	Status          OrderStatus `json:"status"`
	Store           Coord       `json:"storeCoordinates"`
	Customer        Coord       `json:"customerCoordinates"`
	CompletionCode  string      `json:"completionCode"`
	Price           float64     `json:"price"`
	DistanceKm      float64     `json:"distanceKm"`
	PaymentIntentID string      `json:"paymentIntentId,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// RideRecord is the gateway's authoritative copy of a ride.
type RideRecord struct {
	ID              string     `json:"id"`
	CourierID       string     `json:"courierId"`
	OrderID         string     `json:"order"`
	Price           float64    `json:"price"`
	DistanceKm      float64    `json:"distanceEstimate"`
	Rain            bool       `json:"weatherFlag"`
	From            Coord      `json:"fromCoordinates"`
	To              Coord      `json:"toCoordinates"`
	CompletionCode  string     `json:"completionCode"`
	ArrivalStore    *time.Time `json:"arrival_store,omitempty"`
	ArrivalCustomer *time.Time `json:"arrival_customer,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// RideUpdate records arrival events against a ride.
type RideUpdate struct {
	ID              string     `json:"id"`
	ArrivalStore    *time.Time `json:"arrival_store,omitempty"`
	ArrivalCustomer *time.Time `json:"arrival_customer,omitempty"`
}
