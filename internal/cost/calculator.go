// Package cost prices paid enrichment lookups and export deliveries, and
// guards the monthly enrichment budget.
package cost

// Rates holds per-source and per-destination pricing.
type Rates struct {
	// Credits charged per lookup, keyed by enrichment provider name.
	Lookups map[string]float64 `yaml:"lookups" mapstructure:"lookups"`
	// USD per delivered record, keyed by destination name.
	Destinations map[string]float64 `yaml:"destinations" mapstructure:"destinations"`
	// DefaultLookupCredits applies to providers missing from Lookups.
	DefaultLookupCredits float64 `yaml:"default_lookup_credits" mapstructure:"default_lookup_credits"`
}

// Calculator computes costs for enrichment and export usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Lookup returns the credits one lookup against provider costs.
func (c *Calculator) Lookup(provider string) float64 {
	if v, ok := c.rates.Lookups[provider]; ok {
		return v
	}
	return c.rates.DefaultLookupCredits
}

// Export returns the USD cost of delivering n records to destination.
func (c *Calculator) Export(destination string, n int) float64 {
	return c.rates.Destinations[destination] * float64(n)
}

// DefaultRates returns the default pricing.
func DefaultRates() Rates {
	return Rates{
		Lookups: map[string]float64{
			"b2b":    1,
			"social": 1,
		},
		Destinations: map[string]float64{
			"ghl":          0,
			"instantly":    0.01,
			"lob_postcard": 0.65,
			"lob_letter":   1.50,
			"webhook":      0,
		},
		DefaultLookupCredits: 1,
	}
}
