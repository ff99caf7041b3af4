package orders

// PricingConfig is the fare schedule applied at intake.
type PricingConfig struct {
	BaseFare float64 `json:"base_fare"`
	PerKM    float64 `json:"per_km"`
	TaxRate  float64 `json:"tax_rate"`
}

// SetDefaults applies sane defaults.
func (c *PricingConfig) SetDefaults() {
	if c.BaseFare <= 0 {
		c.BaseFare = 30
	}
	if c.PerKM <= 0 {
		c.PerKM = 10
	}
	if c.TaxRate <= 0 {
		c.TaxRate = 0.05
	}
}
