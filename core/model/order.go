package model

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusAssigned  OrderStatus = "assigned"
	StatusPicked    OrderStatus = "picked"
	StatusInTransit OrderStatus = "in-transit"
	StatusDelivered OrderStatus = "delivered"
	StatusCancelled OrderStatus = "cancelled"
)

// ParseOrderStatus validates a wire value and returns the typed status.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch OrderStatus(s) {
	case StatusPending, StatusAssigned, StatusPicked, StatusInTransit, StatusDelivered, StatusCancelled:
		return OrderStatus(s), nil
	default:
		return "", fmt.Errorf("unknown order status %q", s)
	}
}

// CanTransition reports whether moving from s to next respects the monotonic
// delivery path. Cancellation is only reachable from pending or assigned.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch next {
	case StatusAssigned:
		return s == StatusPending
	case StatusPicked:
		return s == StatusAssigned
	case StatusInTransit:
		return s == StatusPicked
	case StatusDelivered:
		return s == StatusInTransit
	case StatusCancelled:
		return s == StatusPending || s == StatusAssigned
	case StatusPending:
		// Rejection of an assignment returns the order to the pool.
		return s == StatusAssigned
	default:
		return false
	}
}

// Trackable reports whether location updates are accepted in this state.
func (s OrderStatus) Trackable() bool {
	return s == StatusAssigned || s == StatusPicked || s == StatusInTransit
}

// Terminal reports whether the order reached a final state.
func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// OrderKind distinguishes the two order variants sharing the same shape.
type OrderKind string

const (
	KindCourier    OrderKind = "courier"
	KindPickupDrop OrderKind = "pickup-drop"
)

// DropStatus is the per-drop delivery state.
type DropStatus string

const (
	DropPendingStatus   DropStatus = "pending"
	DropDeliveredStatus DropStatus = "delivered"
	DropFailedStatus    DropStatus = "failed"
)

// Contact identifies the person at a pickup or drop point.
type Contact struct {
	Name  string `bson:"name" json:"name"`
	Phone string `bson:"phone" json:"phone"`
}

// PickupPoint is the single origin of an order.
type PickupPoint struct {
	Address  string   `bson:"address" json:"address"`
	Location GeoPoint `bson:"location" json:"location"`
	Contact  Contact  `bson:"contact" json:"contact"`
}

// DeliveryProof is the optional proof captured at a drop.
type DeliveryProof struct {
	Kind     string    `bson:"kind" json:"kind"` // signature, photo, otp
	Value    string    `bson:"value" json:"value"`
	Captured time.Time `bson:"captured" json:"captured"`
}

// DropPoint is one of the 1..N destinations of an order. Sequence values are
// unique per order and dense from 1.
type DropPoint struct {
	Sequence   int            `bson:"sequence" json:"sequence"`
	Address    string         `bson:"address" json:"address"`
	Location   GeoPoint       `bson:"location" json:"location"`
	Contact    Contact        `bson:"contact" json:"contact"`
	Status     DropStatus     `bson:"status" json:"status"`
	Proof      *DeliveryProof `bson:"proof,omitempty" json:"proof,omitempty"`
	ActualTime *time.Time     `bson:"actual_time,omitempty" json:"actualTime,omitempty"`
}

// Pricing is the fare breakdown computed at intake.
type Pricing struct {
	DistanceKM   float64 `bson:"distance_km" json:"distanceKm"`
	Base         float64 `bson:"base" json:"base"`
	DistanceFare float64 `bson:"distance_fare" json:"distanceFare"`
	Tax          float64 `bson:"tax" json:"tax"`
	Total        float64 `bson:"total" json:"total"`
}

// Payment is the order's payment sub-record. Capture itself happens outside
// this engine.
type Payment struct {
	Method        string `bson:"method" json:"method"`
	Status        string `bson:"status" json:"status"`
	TransactionID string `bson:"transaction_id,omitempty" json:"transactionId,omitempty"`
}

// Order is the authoritative persisted order record.
type Order struct {
	ID          string       `bson:"_id" json:"id"`
	UserID      string       `bson:"user_id" json:"userId"`
	PartnerID   string       `bson:"partner_id,omitempty" json:"partnerId,omitempty"`
	Kind        OrderKind    `bson:"kind" json:"kind"`
	VehicleType VehicleType  `bson:"vehicle_type" json:"vehicleType"`
	Status      OrderStatus  `bson:"status" json:"status"`
	Pickup      PickupPoint  `bson:"pickup" json:"pickup"`
	Drops       []DropPoint  `bson:"drops" json:"drops"`
	Pricing     Pricing      `bson:"pricing" json:"pricing"`
	Payment     Payment      `bson:"payment" json:"payment"`
	Tracking    TrackingInfo `bson:"tracking" json:"tracking"`
	CreatedAt   time.Time    `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time    `bson:"updated_at" json:"updatedAt"`
}

// Validate checks structural invariants of the order record.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if o.UserID == "" {
		return fmt.Errorf("order user id is required")
	}
	if len(o.Drops) == 0 {
		return fmt.Errorf("order requires at least one drop point")
	}
	seen := make(map[int]bool, len(o.Drops))
	for _, d := range o.Drops {
		if seen[d.Sequence] {
			return fmt.Errorf("duplicate drop sequence %d", d.Sequence)
		}
		seen[d.Sequence] = true
	}
	for i := 1; i <= len(o.Drops); i++ {
		if !seen[i] {
			return fmt.Errorf("drop sequences must be dense from 1, missing %d", i)
		}
	}
	return nil
}

// FinalDrop returns the drop with the highest sequence.
func (o Order) FinalDrop() (DropPoint, bool) {
	if len(o.Drops) == 0 {
		return DropPoint{}, false
	}
	max := o.Drops[0]
	for _, d := range o.Drops[1:] {
		if d.Sequence > max.Sequence {
			max = d
		}
	}
	return max, true
}
