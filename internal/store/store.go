// Package store persists loads, exports, suppressions, entity history,
// change events, golden records and budget usage.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/resilience"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = eris.New("store: not found")

// LoadFilter specifies criteria for listing data loads.
type LoadFilter struct {
	SourceType string           `json:"source_type,omitempty"`
	Status     model.LoadStatus `json:"status,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// ExportFilter specifies criteria for listing export tasks.
type ExportFilter struct {
	LoadID      string               `json:"load_id,omitempty"`
	Destination string               `json:"destination,omitempty"`
	ProviderID  string               `json:"provider_id,omitempty"`
	Statuses    []model.ExportStatus `json:"statuses,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing change events.
type EventFilter struct {
	UnprocessedOnly bool              `json:"unprocessed_only,omitempty"`
	EntityID        string            `json:"entity_id,omitempty"`
	Types           []model.EventType `json:"types,omitempty"`
	Limit           int               `json:"limit,omitempty"`
}

// Store defines the persistence interface for the reconciliation pipeline.
type Store interface {
	// Loads
	CreateLoad(ctx context.Context, load *model.DataLoad) error
	UpdateLoad(ctx context.Context, load *model.DataLoad) error
	GetLoad(ctx context.Context, loadID string) (*model.DataLoad, error)
	ListLoads(ctx context.Context, filter LoadFilter) ([]model.DataLoad, error)
	// PreviousLoad returns the newest promoted load of sourceType other than
	// excludeID, or nil when there is none.
	PreviousLoad(ctx context.Context, sourceType, excludeID string) (*model.DataLoad, error)

	// Exports
	CreateExport(ctx context.Context, task *model.ExportTask) error
	UpdateExport(ctx context.Context, task *model.ExportTask) error
	GetExport(ctx context.Context, taskID string) (*model.ExportTask, error)
	ListExports(ctx context.Context, filter ExportFilter) ([]model.ExportTask, error)
	CountExportsSince(ctx context.Context, since time.Time) (map[model.ExportStatus]int, error)

	// Suppressions
	AddSuppression(ctx context.Context, entry *model.SuppressionEntry) error
	DeactivateSuppression(ctx context.Context, id string) error
	ListSuppressions(ctx context.Context, activeOnly bool) ([]model.SuppressionEntry, error)

	// History
	CurrentVersions(ctx context.Context) ([]model.EntityVersion, error)
	// RetiredVersions returns the latest closed version of every entity
	// that has no open version.
	RetiredVersions(ctx context.Context) ([]model.EntityVersion, error)
	VersionHistory(ctx context.Context, entityID string) ([]model.EntityVersion, error)
	// ApplyVersions closes and inserts versions in one transaction.
	ApplyVersions(ctx context.Context, closed, opened []model.EntityVersion) error

	// Events
	// InsertEvents skips ids that already exist and returns how many were new.
	InsertEvents(ctx context.Context, events []model.ChangeEvent) (int, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]model.ChangeEvent, error)
	MarkEventsProcessed(ctx context.Context, eventIDs []string, at time.Time) (int, error)

	// Golden records
	UpsertGolden(ctx context.Context, records []model.GoldenRecord) error
	// GetGolden looks up by entity id or provider id.
	GetGolden(ctx context.Context, id string) (*model.GoldenRecord, error)
	ListGolden(ctx context.Context, limit, offset int) ([]model.GoldenRecord, error)

	// Enrichment facts
	InsertFacts(ctx context.Context, facts []model.EnrichmentFact) error
	FactsByEntity(ctx context.Context) (map[string][]model.EnrichmentFact, error)

	// Budget
	GetBudgetUsage(ctx context.Context, source, period string) (float64, error)
	AddBudgetUsage(ctx context.Context, source, period string, credits float64) (float64, error)

	// Dead letter queue for exports
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
