package model

import (
	"fmt"
	"time"
)

// PartnerStatus is the availability state of a field partner.
type PartnerStatus string

const (
	PartnerActive  PartnerStatus = "active"
	PartnerOffline PartnerStatus = "offline"
	PartnerBlocked PartnerStatus = "blocked"
	PartnerDeleted PartnerStatus = "deleted"
)

// VehicleType classifies the partner's vehicle; orders request one class.
type VehicleType string

const (
	VehicleBike    VehicleType = "bike"
	VehicleScooter VehicleType = "scooter"
	VehicleCar     VehicleType = "car"
	VehicleVan     VehicleType = "van"
)

// ParseVehicleType validates a wire value and returns the typed class.
func ParseVehicleType(s string) (VehicleType, error) {
	switch VehicleType(s) {
	case VehicleBike, VehicleScooter, VehicleCar, VehicleVan:
		return VehicleType(s), nil
	default:
		return "", fmt.Errorf("unknown vehicle type %q", s)
	}
}

// GeoPoint is a GeoJSON point, coordinates ordered [lon, lat] so the document
// works directly with 2dsphere indexes.
type GeoPoint struct {
	Type        string     `bson:"type" json:"type"`
	Coordinates [2]float64 `bson:"coordinates" json:"coordinates"`
}

// NewGeoPoint builds a GeoJSON point from a longitude and latitude.
func NewGeoPoint(lon, lat float64) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: [2]float64{lon, lat}}
}

func (p GeoPoint) Lon() float64 { return p.Coordinates[0] }
func (p GeoPoint) Lat() float64 { return p.Coordinates[1] }

// IsZero reports whether the point was never set.
func (p GeoPoint) IsZero() bool { return p.Type == "" }

// PartnerLocation is the partner's last known position.
type PartnerLocation struct {
	Point     GeoPoint  `bson:"point" json:"point"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
	AccuracyM float64   `bson:"accuracy_m,omitempty" json:"accuracyM,omitempty"`
	SpeedKMH  float64   `bson:"speed_kmh,omitempty" json:"speedKmh,omitempty"`
	Bearing   float64   `bson:"bearing,omitempty" json:"bearing,omitempty"`
}

// PartnerMetrics holds rolling performance counters.
type PartnerMetrics struct {
	TotalAssigned   int64   `bson:"total_assigned" json:"totalAssigned"`
	TotalAccepted   int64   `bson:"total_accepted" json:"totalAccepted"`
	TotalCompleted  int64   `bson:"total_completed" json:"totalCompleted"`
	TotalCancelled  int64   `bson:"total_cancelled" json:"totalCancelled"`
	CompletionRate  float64 `bson:"completion_rate" json:"completionRate"`
	Rating          float64 `bson:"rating" json:"rating"`
	AvgResponseSecs float64 `bson:"avg_response_secs" json:"avgResponseSecs"`
}

// Partner is a field partner record.
type Partner struct {
	ID             string          `bson:"_id" json:"id"`
	Name           string          `bson:"name" json:"name"`
	Status         PartnerStatus   `bson:"status" json:"status"`
	Vehicle        VehicleType     `bson:"vehicle" json:"vehicle"`
	DeviceToken    string          `bson:"device_token,omitempty" json:"deviceToken,omitempty"`
	CurrentOrderID string          `bson:"current_order_id,omitempty" json:"currentOrderId,omitempty"`
	Location       PartnerLocation `bson:"location" json:"location"`
	Metrics        PartnerMetrics  `bson:"metrics" json:"metrics"`
	EarningsTotal  float64         `bson:"earnings_total" json:"earningsTotal"`
}

// SeenWithin reports whether the partner's position is fresher than maxAge.
func (p Partner) SeenWithin(maxAge time.Duration, now time.Time) bool {
	if p.Location.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(p.Location.UpdatedAt) <= maxAge
}
