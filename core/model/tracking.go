package model

import "time"

// ActorType identifies who produced a tracking event.
type ActorType string

const (
	ActorSystem  ActorType = "system"
	ActorPartner ActorType = "partner"
	ActorAdmin   ActorType = "admin"
)

// Actor attributes a tracking event to its originator.
type Actor struct {
	Type ActorType `bson:"type" json:"type"`
	ID   string    `bson:"id,omitempty" json:"id,omitempty"`
}

// GeoPing is a single raw position report from a partner device.
type GeoPing struct {
	Coordinates [2]float64 `bson:"coordinates" json:"coordinates"` // [lon, lat]
	Timestamp   time.Time  `bson:"timestamp" json:"timestamp"`
	AccuracyM   float64    `bson:"accuracy_m,omitempty" json:"accuracyM,omitempty"`
	SpeedKMH    float64    `bson:"speed_kmh,omitempty" json:"speedKmh,omitempty"`
	Bearing     float64    `bson:"bearing,omitempty" json:"bearing,omitempty"`
}

// RouteDistance separates the planned route length from the distance actually
// travelled so far.
type RouteDistance struct {
	PlannedM float64 `bson:"planned_m" json:"plannedM"`
	ActualM  float64 `bson:"actual_m,omitempty" json:"actualM,omitempty"`
}

// RoutePlan is the remaining-route projection refreshed from the routing
// provider. It is never older than the last status transition.
type RoutePlan struct {
	PlannedPath [][2]float64  `bson:"planned_path,omitempty" json:"plannedPath,omitempty"`
	ActualPath  [][2]float64  `bson:"actual_path,omitempty" json:"actualPath,omitempty"`
	ETA         *time.Time    `bson:"eta,omitempty" json:"eta,omitempty"`
	Distance    RouteDistance `bson:"distance" json:"distance"`
	RefreshedAt time.Time     `bson:"refreshed_at" json:"refreshedAt"`
}

// LiveTracking is the order's denormalized current-position view.
type LiveTracking struct {
	IsEnabled       bool       `bson:"is_enabled" json:"isEnabled"`
	CurrentLocation *GeoPing   `bson:"current_location,omitempty" json:"currentLocation,omitempty"`
	Route           *RoutePlan `bson:"route,omitempty" json:"route,omitempty"`
}

// TrackingEvent is an immutable entry of the durable history trail. Raw pings
// only update the live projection; status changes are recorded here.
type TrackingEvent struct {
	Status    OrderStatus `bson:"status" json:"status"`
	Timestamp time.Time   `bson:"timestamp" json:"timestamp"`
	Location  *GeoPing    `bson:"location,omitempty" json:"location,omitempty"`
	Note      string      `bson:"note,omitempty" json:"note,omitempty"`
	UpdatedBy Actor       `bson:"updated_by" json:"updatedBy"`
}

// TrackingInfo is the order's tracking projection plus append-only history.
type TrackingInfo struct {
	LiveTracking LiveTracking    `bson:"live_tracking" json:"liveTracking"`
	History      []TrackingEvent `bson:"history" json:"history"`
}
