package model

import "time"

// LoadStatus is the lifecycle state of an ingestion batch.
type LoadStatus string

const (
	LoadPending          LoadStatus = "pending"
	LoadValidated        LoadStatus = "validated"
	LoadFailedValidation LoadStatus = "failed_validation"
	LoadPromoted         LoadStatus = "promoted"
	LoadQuarantined      LoadStatus = "quarantined"
)

// Severity decides whether a failed validation rule blocks promotion.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationResult is the outcome of one rule against one batch.
type ValidationResult struct {
	Rule     string         `json:"rule"`
	Passed   bool           `json:"passed"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// ValidationReport groups failed rules by severity. Passed is false when any
// error-severity rule failed.
type ValidationReport struct {
	Passed   bool               `json:"passed"`
	Errors   []ValidationResult `json:"errors"`
	Warnings []ValidationResult `json:"warnings"`
	Checked  int                `json:"checked"`
}

// DataLoad tracks one ingestion batch through validation and promotion.
type DataLoad struct {
	LoadID           string            `json:"load_id"`
	SourceType       string            `json:"source_type"`
	SourceFile       string            `json:"source_file,omitempty"`
	RowCount         int               `json:"row_count"`
	PrevRowCount     *int              `json:"prev_row_count,omitempty"`
	RowCountDelta    *float64          `json:"row_count_delta,omitempty"`
	Status           LoadStatus        `json:"status"`
	Validation       *ValidationReport `json:"validation,omitempty"`
	ValidatedAt      *time.Time        `json:"validated_at,omitempty"`
	PromotedAt       *time.Time        `json:"promoted_at,omitempty"`
	PromotedBy       string            `json:"promoted_by,omitempty"`
	QuarantinedAt    *time.Time        `json:"quarantined_at,omitempty"`
	QuarantinedBy    string            `json:"quarantined_by,omitempty"`
	QuarantineReason string            `json:"quarantine_reason,omitempty"`
	ExportsCancelled int               `json:"exports_cancelled"`
	ExportsReversed  int               `json:"exports_reversed"`
	CreatedAt        time.Time         `json:"created_at"`
}
