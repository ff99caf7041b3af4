package routing

import (
	"context"
	"errors"
	"time"
)

// ErrRouteUnavailable is returned when the routing provider cannot serve the
// request. Callers treat it as recoverable: projections go stale, order flow
// continues.
var ErrRouteUnavailable = errors.New("routing provider unavailable")

// Point is a WGS84 coordinate pair.
type Point struct {
	Lon float64
	Lat float64
}

// Route is the provider's answer for an origin/destination pair.
type Route struct {
	DistanceM float64
	Duration  time.Duration
	Geometry  [][2]float64 // [lon, lat] path
}

// Address is the reverse-geocoded description of a point.
type Address struct {
	DisplayName string
	City        string
	Postcode    string
}

// Router is the external geo/routing collaborator.
type Router interface {
	Route(ctx context.Context, origin, dest Point, mode string) (Route, error)
	ReverseGeocode(ctx context.Context, p Point) (Address, error)
}
