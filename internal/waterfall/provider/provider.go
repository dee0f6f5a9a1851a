// Package provider defines paid enrichment providers and the dispatcher that
// calls them under a budget guard.
package provider

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/sells-group/license-recon/internal/model"
)

// Lookup holds the identifiers sent to an enrichment provider.
type Lookup struct {
	EntityID      string `json:"entity_id"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	LicenseNumber string `json:"license_number"`
	City          string `json:"city,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	RegistryID    string `json:"registry_id,omitempty"`
}

// LookupFor builds a Lookup from a golden record.
func LookupFor(g model.GoldenRecord) Lookup {
	l := Lookup{
		EntityID:      g.EntityID,
		FirstName:     g.FirstName,
		LastName:      g.LastName,
		LicenseNumber: g.LicenseKey.LicenseNumber,
		City:          g.Address.City,
		Region:        g.Address.Region,
		PostalCode:    g.Address.Postal5(),
	}
	if g.RegistryID != nil {
		l.RegistryID = *g.RegistryID
	}
	return l
}

// Provider is a metered enrichment API.
type Provider interface {
	// Name identifies the provider for budgeting and logs.
	Name() string
	// Source is the waterfall source the provider's facts are filed under.
	Source() string
	// SupportedFields returns the fields this provider can supply.
	SupportedFields() []model.Field
	// CanProvide checks if the provider can supply a field.
	CanProvide(field model.Field) bool
	// Query fetches contact data for one professional.
	Query(ctx context.Context, lookup Lookup) (*model.EnrichmentFact, error)
}

// Registry manages available enrichment providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// For returns the providers able to fill any of fields, sorted by name.
func (r *Registry) For(fields []model.Field) []Provider {
	var out []Provider
	for _, name := range r.List() {
		p := r.Get(name)
		if p == nil {
			continue
		}
		if slices.ContainsFunc(fields, p.CanProvide) {
			out = append(out, p)
		}
	}
	return out
}
