package model

import (
	"slices"
	"time"
)

// Projection is the tracked-column subset of a GoldenRecord that drives
// versioning. Enrichment-only fields are absent.
type Projection struct {
	Status         StatusCategory `json:"status"`
	StatusCode     string         `json:"status_code,omitempty"`
	ExpirationDate string         `json:"expiration_date,omitempty"`
	AddressLine1   string         `json:"address_line1,omitempty"`
	City           string         `json:"city,omitempty"`
	Region         string         `json:"region,omitempty"`
	PostalCode     string         `json:"postal_code,omitempty"`
	County         string         `json:"county,omitempty"`
	Specialty      string         `json:"specialty,omitempty"`
	Certifications []string       `json:"certifications,omitempty"`
	Disciplinary   bool           `json:"disciplinary"`
}

// Equal compares every tracked column.
func (p Projection) Equal(o Projection) bool {
	return p.Status == o.Status &&
		p.StatusCode == o.StatusCode &&
		p.ExpirationDate == o.ExpirationDate &&
		p.AddressLine1 == o.AddressLine1 &&
		p.City == o.City &&
		p.Region == o.Region &&
		p.PostalCode == o.PostalCode &&
		p.County == o.County &&
		p.Specialty == o.Specialty &&
		p.Disciplinary == o.Disciplinary &&
		slices.Equal(p.Certifications, o.Certifications)
}

// HasCertification reports whether the credential flag is set.
func (p Projection) HasCertification(name string) bool {
	return slices.Contains(p.Certifications, name)
}

// Expiration parses ExpirationDate. The zero time means no expiration is known.
func (p Projection) Expiration() time.Time {
	if p.ExpirationDate == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.DateOnly, p.ExpirationDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EntityVersion is one immutable row of an entity's tracked history.
// ValidTo is nil while the version is current.
type EntityVersion struct {
	VersionID  string     `json:"version_id"`
	EntityID   string     `json:"entity_id"`
	ProviderID string     `json:"provider_id"`
	Projection Projection `json:"projection"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	LoadID     string     `json:"load_id,omitempty"`
}

// IsCurrent reports whether the version is still open.
func (v EntityVersion) IsCurrent() bool {
	return v.ValidTo == nil
}
