package model

import (
	"strings"
	"time"
)

// EventType classifies a change between two versions of an entity.
type EventType string

const (
	EventNewRecord             EventType = "NEW_RECORD"
	EventStatusLapsed          EventType = "STATUS_LAPSED"
	EventStatusReinstated      EventType = "STATUS_REINSTATED"
	EventStatusTerminal        EventType = "STATUS_TERMINAL"
	EventAddressChange         EventType = "ADDRESS_CHANGE"
	EventRegionChange          EventType = "REGION_CHANGE"
	EventExpirationApproaching EventType = "EXPIRATION_APPROACHING"

	credentialEventPrefix = "NEW_CREDENTIAL_"
)

// CredentialEvent returns the event type for a newly granted credential.
func CredentialEvent(credential string) EventType {
	return EventType(credentialEventPrefix + strings.ToUpper(credential))
}

// IsCredential reports whether t is a NEW_CREDENTIAL_<X> event.
func (t EventType) IsCredential() bool {
	return strings.HasPrefix(string(t), credentialEventPrefix)
}

// Priority ranks events for downstream triage.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Recommended downstream actions.
const (
	ActionOnboarding       = "onboarding_sequence"
	ActionSuppressWinback  = "suppress_or_winback"
	ActionReengagement     = "reengagement_sequence"
	ActionSuppress         = "suppress_all_outreach"
	ActionUpdateAddress    = "update_mailing_address"
	ActionReassign         = "reassign_territory"
	ActionCredentialUpsell = "credential_upsell"
	ActionRenewalReminder  = "renewal_reminder"
)

// ChangeEvent is a typed business event derived from a version transition.
type ChangeEvent struct {
	EventID           string     `json:"event_id"`
	EntityID          string     `json:"entity_id"`
	ProviderID        string     `json:"provider_id"`
	EventType         EventType  `json:"event_type"`
	EventTimestamp    time.Time  `json:"event_timestamp"`
	Description       string     `json:"description"`
	PreviousValue     string     `json:"previous_value,omitempty"`
	CurrentValue      string     `json:"current_value,omitempty"`
	Priority          Priority   `json:"priority"`
	RecommendedAction string     `json:"recommended_action"`
	LoadID            string     `json:"load_id,omitempty"`
	IsProcessed       bool       `json:"is_processed"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
