package dispatch

import "time"

// Config defines dispatch-related settings.
type Config struct {
	// InitialRadiusM is the search radius of the first escalation round.
	InitialRadiusM float64 `json:"initial_radius_m"`
	// RadiusStepM is added to the radius after each failed round.
	RadiusStepM float64 `json:"radius_step_m"`
	// MaxAttempts bounds the number of escalation rounds before giving up.
	MaxAttempts int `json:"max_attempts"`
	// OfferTimeoutSeconds is the acceptance deadline of one offer round.
	OfferTimeoutSeconds int `json:"offer_timeout_seconds"`
	// MaxCandidates caps the number of partners offered per round.
	MaxCandidates int `json:"max_candidates"`
	// MinCompletionRate and MinRating are the performance floor for
	// eligibility.
	MinCompletionRate float64 `json:"min_completion_rate"`
	MinRating         float64 `json:"min_rating"`
	// LocationMaxAgeMinutes excludes partners not seen recently.
	LocationMaxAgeMinutes int `json:"location_max_age_minutes"`
	// RedispatchOnReject starts a fresh dispatch process when a partner
	// rejects an assignment instead of waiting for a manual sweep.
	RedispatchOnReject bool `json:"redispatch_on_reject"`
}

// SetDefaults applies the standard escalation parameters.
func (c *Config) SetDefaults() {
	if c.InitialRadiusM <= 0 {
		c.InitialRadiusM = 3000
	}
	if c.RadiusStepM <= 0 {
		c.RadiusStepM = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.OfferTimeoutSeconds <= 0 {
		c.OfferTimeoutSeconds = 30
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 5
	}
	if c.MinCompletionRate <= 0 {
		c.MinCompletionRate = 0.8
	}
	if c.MinRating <= 0 {
		c.MinRating = 4.0
	}
	if c.LocationMaxAgeMinutes <= 0 {
		c.LocationMaxAgeMinutes = 30
	}
}

// OfferTimeout returns the acceptance deadline as a duration.
func (c Config) OfferTimeout() time.Duration {
	return time.Duration(c.OfferTimeoutSeconds) * time.Second
}

// RadiusForAttempt returns the search radius used by the given round.
func (c Config) RadiusForAttempt(attempt int) float64 {
	return c.InitialRadiusM + c.RadiusStepM*float64(attempt)
}

// LocationMaxAge returns the position freshness requirement as a duration.
func (c Config) LocationMaxAge() time.Duration {
	return time.Duration(c.LocationMaxAgeMinutes) * time.Minute
}
