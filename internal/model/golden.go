package model

import (
	"encoding/json"
	"time"
)

// OutreachReadiness summarizes how a professional can be contacted.
type OutreachReadiness string

const (
	ReadinessEmail     OutreachReadiness = "email_ready"
	ReadinessPhoneOnly OutreachReadiness = "phone_only"
	ReadinessMailOnly  OutreachReadiness = "mail_only"
	ReadinessNone      OutreachReadiness = "no_contact"
)

// GoldenRecord is the canonical, fully recomputed view of one professional.
type GoldenRecord struct {
	EntityID   string     `json:"entity_id"`
	ProviderID string     `json:"provider_id"`
	LicenseKey LicenseKey `json:"license_key"`
	LoadID     string     `json:"load_id,omitempty"`

	FirstName      string          `json:"first_name"`
	LastName       string          `json:"last_name"`
	StatusCode     string          `json:"status_code,omitempty"`
	Status         StatusCategory  `json:"status"`
	IssueDate      *time.Time      `json:"issue_date,omitempty"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	Specialty      string          `json:"specialty,omitempty"`
	Certifications map[string]bool `json:"certifications,omitempty"`
	Disciplinary   bool            `json:"disciplinary"`

	Email             *string `json:"email"`
	EmailSource       *string `json:"email_source"`
	Phone             *string `json:"phone"`
	PhoneSource       *string `json:"phone_source"`
	LinkedInURL       *string `json:"linkedin_url"`
	LinkedInURLSource *string `json:"linkedin_url_source"`
	Website           *string `json:"website"`
	WebsiteSource     *string `json:"website_source"`
	CompanyName       *string `json:"company_name"`
	CompanyNameSource *string `json:"company_name_source"`
	Title             *string `json:"title"`
	TitleSource       *string `json:"title_source"`

	Address       Address `json:"address"`
	AddressSource string  `json:"address_source"`
	LicenseCity   string  `json:"license_city,omitempty"`

	RegistryID          *string `json:"registry_id"`
	MatchConfidence     int     `json:"match_confidence"`
	MatchTier           string  `json:"match_tier"`
	NeedsReview         bool    `json:"needs_review"`
	AutoApproveLowRisk  bool    `json:"auto_approve_for_low_risk_channel"`
	AutoApproveHighRisk bool    `json:"auto_approve_for_high_risk_channel"`

	IsNewLicensee     bool              `json:"is_new_licensee"`
	MissingEmail      bool              `json:"missing_email"`
	AddressMismatch   bool              `json:"address_mismatch"`
	OutreachReadiness OutreachReadiness `json:"outreach_readiness"`
	EnrichmentScore   int               `json:"enrichment_score"`
}

// Canonical returns the stable JSON encoding used for persistence and diffing.
// encoding/json sorts map keys, so identical records encode identically.
func (g GoldenRecord) Canonical() ([]byte, error) {
	return json.Marshal(g)
}
