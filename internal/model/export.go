package model

import "time"

// ExportStatus is the lifecycle state of an outbound send.
type ExportStatus string

const (
	ExportQueued    ExportStatus = "queued"
	ExportApproved  ExportStatus = "approved"
	ExportScheduled ExportStatus = "scheduled"
	ExportSent      ExportStatus = "sent"
	ExportFailed    ExportStatus = "failed"
	ExportCancelled ExportStatus = "cancelled"
	ExportReversed  ExportStatus = "reversed"
)

// Open reports whether the task can still be cancelled without contacting the destination.
func (s ExportStatus) Open() bool {
	return s == ExportQueued || s == ExportApproved || s == ExportScheduled
}

// OpenExportStatuses lists the non-terminal statuses.
var OpenExportStatuses = []ExportStatus{ExportQueued, ExportApproved, ExportScheduled}

// Channel groups destinations by the match confidence their sends require.
type Channel string

const (
	ChannelLowRisk  Channel = "low_risk"
	ChannelHighRisk Channel = "high_risk"
)

// Destination describes an outbound system and its send policy.
type Destination struct {
	Name                 string  `json:"name" yaml:"name" mapstructure:"name"`
	URL                  string  `json:"url,omitempty" yaml:"url" mapstructure:"url"`
	Channel              Channel `json:"channel" yaml:"channel" mapstructure:"channel"`
	CostPerRecord        float64 `json:"cost_per_record" yaml:"cost_per_record" mapstructure:"cost_per_record"`
	Reversible           bool    `json:"is_reversible" yaml:"reversible" mapstructure:"reversible"`
	AutoApprove          bool    `json:"auto_approve" yaml:"auto_approve" mapstructure:"auto_approve"`
	MinConfidenceForAuto int     `json:"min_confidence_for_auto" yaml:"min_confidence_for_auto" mapstructure:"min_confidence_for_auto"`
	DelayHours           int     `json:"delay_hours" yaml:"delay_hours" mapstructure:"delay_hours"`
	RateLimitPerHour     int     `json:"rate_limit_per_hour,omitempty" yaml:"rate_limit_per_hour" mapstructure:"rate_limit_per_hour"`
	RateLimitPerDay      int     `json:"rate_limit_per_day,omitempty" yaml:"rate_limit_per_day" mapstructure:"rate_limit_per_day"`
	Active               bool    `json:"is_active" yaml:"active" mapstructure:"active"`
}

// ExportTask is one candidate send of one entity to one destination.
// TaskID is the idempotency key handed to the destination.
type ExportTask struct {
	TaskID         string         `json:"task_id"`
	ProviderID     string         `json:"provider_id"`
	EntityID       string         `json:"entity_id"`
	Destination    string         `json:"destination"`
	Payload        map[string]any `json:"payload,omitempty"`
	LoadID         string         `json:"load_id"`
	EventID        string         `json:"event_id,omitempty"`
	Confidence     int            `json:"confidence"`
	Status         ExportStatus   `json:"status"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	ScheduledFor   *time.Time     `json:"scheduled_for,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	ExternalID     string         `json:"external_id,omitempty"`
	Attempts       int            `json:"attempts"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ReversedAt     *time.Time     `json:"reversed_at,omitempty"`
	ReversalReason string         `json:"reversal_reason,omitempty"`
	Email          string         `json:"email,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	LicenseNumber  string         `json:"license_number,omitempty"`
	RegistryID     string         `json:"registry_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SuppressionEntry blocks sends to a contact identifier. An empty Destination
// applies to every destination; a nil ExpiresAt never expires.
type SuppressionEntry struct {
	ID            string     `json:"id"`
	Email         string     `json:"email,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	LicenseNumber string     `json:"license_number,omitempty"`
	RegistryID    string     `json:"registry_id,omitempty"`
	Destination   string     `json:"destination,omitempty"`
	Reason        string     `json:"reason"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Active        bool       `json:"is_active"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// InEffect reports whether the entry blocks sends at t.
func (s SuppressionEntry) InEffect(t time.Time) bool {
	if !s.Active {
		return false
	}
	return s.ExpiresAt == nil || t.Before(*s.ExpiresAt)
}
