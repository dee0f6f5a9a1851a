package model

import (
	"strings"
	"time"
)

// Field names a contact or firmographic attribute resolved by the waterfall.
type Field string

const (
	FieldEmail       Field = "email"
	FieldPhone       Field = "phone"
	FieldLinkedInURL Field = "linkedin_url"
	FieldWebsite     Field = "website"
	FieldCompanyName Field = "company_name"
	FieldTitle       Field = "title"
)

// ContactFields lists every waterfall field in a stable order.
var ContactFields = []Field{
	FieldEmail, FieldPhone, FieldLinkedInURL, FieldWebsite, FieldCompanyName, FieldTitle,
}

// Enrichment source names.
const (
	SourceB2B      = "b2b"
	SourceSocial   = "social"
	SourceScraped  = "scraped"
	SourceRegistry = "registry"
)

// EnrichmentFact is what one source said about one entity at one point in time.
// Fields the source did not contribute are absent from Values.
type EnrichmentFact struct {
	EntityID   string           `json:"entity_id"`
	Source     string           `json:"source"`
	ObservedAt time.Time        `json:"observed_at"`
	Values     map[Field]string `json:"values"`
}

// Value returns the trimmed value for f and whether the source supplied it.
// Blank strings count as absent.
func (f EnrichmentFact) Value(field Field) (string, bool) {
	v, ok := f.Values[field]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
