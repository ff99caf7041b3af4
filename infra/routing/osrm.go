package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/courierhq/dispatchd/core/routing"
)

// Config defines the routing provider endpoints.
type Config struct {
	Enabled bool `json:"enabled"`
	// BaseURL is the OSRM-compatible routing endpoint.
	BaseURL string `json:"base_url"`
	// GeocodeURL is the nominatim-compatible reverse geocoding endpoint.
	// Empty disables reverse geocoding.
	GeocodeURL     string `json:"geocode_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:5000"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 5
	}
}

// OSRMRouter calls an OSRM-compatible HTTP service. Provider failures are
// reported as routing.ErrRouteUnavailable so callers can degrade instead of
// aborting.
type OSRMRouter struct {
	cfg    Config
	client *http.Client
}

// NewOSRMRouter creates a router for the configured endpoints.
func NewOSRMRouter(cfg Config) *OSRMRouter {
	cfg.SetDefaults()
	return &OSRMRouter{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

// profileFor maps the order's vehicle class to an OSRM routing profile.
func profileFor(mode string) string {
	switch mode {
	case "bike":
		return "bike"
	default:
		return "driving"
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route implements routing.Router.
func (r *OSRMRouter) Route(ctx context.Context, origin, dest routing.Point, mode string) (routing.Route, error) {
	u := fmt.Sprintf("%s/route/v1/%s/%f,%f;%f,%f?overview=full&geometries=geojson",
		r.cfg.BaseURL, profileFor(mode), origin.Lon, origin.Lat, dest.Lon, dest.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return routing.Route{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return routing.Route{}, fmt.Errorf("%w: %v", routing.ErrRouteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return routing.Route{}, fmt.Errorf("%w: status %d", routing.ErrRouteUnavailable, resp.StatusCode)
	}
	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return routing.Route{}, fmt.Errorf("%w: %v", routing.ErrRouteUnavailable, err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return routing.Route{}, fmt.Errorf("%w: no route (%s)", routing.ErrRouteUnavailable, body.Code)
	}
	best := body.Routes[0]
	return routing.Route{
		DistanceM: best.Distance,
		Duration:  time.Duration(best.Duration * float64(time.Second)),
		Geometry:  best.Geometry.Coordinates,
	}, nil
}

type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		City     string `json:"city"`
		Town     string `json:"town"`
		Postcode string `json:"postcode"`
	} `json:"address"`
}

// ReverseGeocode implements routing.Router. Returns ErrRouteUnavailable when
// no geocoding endpoint is configured.
func (r *OSRMRouter) ReverseGeocode(ctx context.Context, p routing.Point) (routing.Address, error) {
	if r.cfg.GeocodeURL == "" {
		return routing.Address{}, routing.ErrRouteUnavailable
	}
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lon", fmt.Sprintf("%f", p.Lon))
	q.Set("lat", fmt.Sprintf("%f", p.Lat))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.GeocodeURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return routing.Address{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return routing.Address{}, fmt.Errorf("%w: %v", routing.ErrRouteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return routing.Address{}, fmt.Errorf("%w: status %d", routing.ErrRouteUnavailable, resp.StatusCode)
	}
	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return routing.Address{}, fmt.Errorf("%w: %v", routing.ErrRouteUnavailable, err)
	}
	city := body.Address.City
	if city == "" {
		city = body.Address.Town
	}
	return routing.Address{
		DisplayName: body.DisplayName,
		City:        city,
		Postcode:    body.Address.Postcode,
	}, nil
}
