// Package model defines the record types shared by the reconciliation pipeline.
package model

import (
	"strings"
	"time"
)

// StatusCategory is a license status normalized across jurisdictions.
type StatusCategory string

const (
	StatusActive    StatusCategory = "ACTIVE"
	StatusLapsed    StatusCategory = "LAPSED"
	StatusSuspended StatusCategory = "SUSPENDED"
	StatusExpired   StatusCategory = "EXPIRED"
	StatusDeceased  StatusCategory = "DECEASED"
	StatusClosed    StatusCategory = "CLOSED"
	StatusUnknown   StatusCategory = "UNKNOWN"
)

// Terminal reports whether the status ends the professional's license history.
func (s StatusCategory) Terminal() bool {
	return s == StatusDeceased || s == StatusClosed
}

// LicenseKey identifies a license within a jurisdiction.
type LicenseKey struct {
	Jurisdiction     string `json:"jurisdiction"`
	ProfessionalType string `json:"professional_type"`
	LicenseNumber    string `json:"license_number"`
}

// String renders the key as "TX:dentist:12345". It doubles as the stable entity id.
func (k LicenseKey) String() string {
	return k.Jurisdiction + ":" + k.ProfessionalType + ":" + k.LicenseNumber
}

// IsZero reports whether the key is missing its license number.
func (k LicenseKey) IsZero() bool {
	return k.LicenseNumber == ""
}

// Address is a postal address shared by license and registry records.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	County     string `json:"county,omitempty"`
}

// Mailable reports whether the address carries enough to send physical mail.
func (a Address) Mailable() bool {
	return strings.TrimSpace(a.Line1) != "" &&
		(strings.TrimSpace(a.City) != "" || strings.TrimSpace(a.PostalCode) != "")
}

// Postal5 returns the first five digits of the postal code, or "" if there are fewer.
func (a Address) Postal5() string {
	var b strings.Builder
	for _, r := range a.PostalCode {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			if b.Len() == 5 {
				return b.String()
			}
		}
	}
	return ""
}

// LicenseRecord is one jurisdiction license row, normalized. Records are
// immutable for the batch that produced them.
type LicenseRecord struct {
	Key            LicenseKey      `json:"key"`
	LoadID         string          `json:"load_id,omitempty"`
	StatusCode     string          `json:"status_code,omitempty"`
	Status         StatusCategory  `json:"status"`
	IssueDate      *time.Time      `json:"issue_date,omitempty"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	FirstName      string          `json:"first_name"`
	LastName       string          `json:"last_name"`
	Address        Address         `json:"address"`
	Specialty      string          `json:"specialty,omitempty"`
	Certifications map[string]bool `json:"certifications,omitempty"`
	Disciplinary   bool            `json:"disciplinary"`
}

// RegistryIdentity is one national-registry identifier. Registry data is
// reference data refreshed wholesale with each snapshot.
type RegistryIdentity struct {
	RegistryID      string     `json:"registry_id"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	Address         Address    `json:"address"`
	Phone           string     `json:"phone,omitempty"`
	TaxonomyCode    string     `json:"taxonomy_code,omitempty"`
	EnumerationDate *time.Time `json:"enumeration_date,omitempty"`
}
