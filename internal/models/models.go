package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Point is a coordinate with a human-readable address, used for pickup,
// dropoff and intermediate stops.
type Point struct {
	Coord
	Address string `json:"address,omitempty"`
}

type ServiceClass string

const (
	ClassEconomy ServiceClass = "economy"
	ClassComfort ServiceClass = "comfort"
	ClassPremium ServiceClass = "premium"
	ClassXL      ServiceClass = "xl"
)

func (c ServiceClass) Valid() bool {
	switch c {
	case ClassEconomy, ClassComfort, ClassPremium, ClassXL:
		return true
	}
	return false
}

type RideStatus string

const (
	StatusRequested  RideStatus = "REQUESTED"
	StatusAccepted   RideStatus = "ACCEPTED"
	StatusArrived    RideStatus = "ARRIVED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
	StatusNoDrivers  RideStatus = "NO_DRIVERS"
)

// Terminal reports whether the status accepts no further transitions.
func (s RideStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoDrivers:
		return true
	}
	return false
}

// Fare is computed once at request time and never recomputed; only Tip may
// change after creation.
type Fare struct {
	Base     float64 `json:"base"`
	Distance float64 `json:"distance"`
	Time     float64 `json:"time"`
	Surge    float64 `json:"surge"`
	Promo    float64 `json:"promo"`
	Tip      float64 `json:"tip"`
	Total    float64 `json:"total"`
}

type Ride struct {
	ID       string       `json:"id"`
	RiderID  string       `json:"rider_id"`
	DriverID string       `json:"driver_id,omitempty"` // empty until accepted
	Pickup   Point        `json:"pickup"`
	Dropoff  Point        `json:"dropoff"`
	Stops    []Point      `json:"stops,omitempty"`
	Service  ServiceClass `json:"service"`
	Status   RideStatus   `json:"status"`
	Fare     Fare         `json:"fare"`

	RequestedAt time.Time `json:"requested_at"`
	AcceptedAt  time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   time.Time `json:"arrived_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitempty"`

	CancelledBy  string  `json:"cancelled_by,omitempty"` // "rider" or "driver"
	CancelReason string  `json:"cancel_reason,omitempty"`
	CancelFee    float64 `json:"cancel_fee,omitempty"`
}

// Presence is a driver's last-known location. Records older than the
// freshness window are excluded from proximity queries even if never removed.
type Presence struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}

// Candidate is one proximity-query result.
type Candidate struct {
	DriverID      string  `json:"driver_id"`
	DistanceMiles float64 `json:"distance_miles"`
	Loc           Coord   `json:"loc"`
}

// Offer is what a candidate driver receives during a matching round.
type Offer struct {
	RideID     string       `json:"ride_id"`
	DriverID   string       `json:"driver_id"`
	Pickup     Point        `json:"pickup"`
	Dropoff    Point        `json:"dropoff"`
	Service    ServiceClass `json:"service"`
	Earnings   float64      `json:"earnings"`
	ETASeconds float64      `json:"eta_seconds"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

type EarningStatus string

const (
	EarningPending EarningStatus = "pending"
	EarningPaid    EarningStatus = "paid"
)

// Earning is the ledger entry derived exactly once at trip completion.
// A separate payout processor consumes these; the core never moves money.
type Earning struct {
	ID        string        `json:"id"`
	RideID    string        `json:"ride_id"`
	DriverID  string        `json:"driver_id"`
	Gross     float64       `json:"gross"`
	Fee       float64       `json:"fee"`
	Net       float64       `json:"net"`
	Tip       float64       `json:"tip"`
	Status    EarningStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// DriverStats are aggregate counters bumped at completion.
type DriverStats struct {
	DriverID    string  `json:"driver_id"`
	RideCount   int64   `json:"ride_count"`
	LifetimeNet float64 `json:"lifetime_net"`
}

// DriverProfile is the directory view the matcher filters candidates with.
// Eligible is sourced externally (document/background checks).
type DriverProfile struct {
	ID       string         `json:"id"`
	Classes  []ServiceClass `json:"classes"`
	Eligible bool           `json:"eligible"`
	Rating   float64        `json:"rating"`
}

func (p DriverProfile) Serves(c ServiceClass) bool {
	for _, sc := range p.Classes {
		if sc == c {
			return true
		}
	}
	return false
}

// RideRequest is the rider-facing submission payload.
type RideRequest struct {
	RiderID string       `json:"rider_id" validate:"required"`
	Pickup  Point        `json:"pickup" validate:"required"`
	Dropoff Point        `json:"dropoff" validate:"required"`
	Stops   []Point      `json:"stops,omitempty"`
	Service ServiceClass `json:"service" validate:"required,oneof=economy comfort premium xl"`
	Promo   float64      `json:"promo,omitempty" validate:"gte=0"`
	Surge   float64      `json:"surge,omitempty" validate:"gte=0"`
}

// LocationUpdate is a driver location ping, ingested directly or via Kafka.
type LocationUpdate struct {
	DriverID string  `json:"driver_id" validate:"required"`
	Lat      float64 `json:"lat" validate:"latitude"`
	Lon      float64 `json:"lon" validate:"longitude"`
}

// Event is the envelope published over the realtime channel.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
