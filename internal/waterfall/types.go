package waterfall

import (
	"time"

	"github.com/sells-group/license-recon/internal/model"
)

// SourceValue is one candidate value offered by a source.
type SourceValue struct {
	Source     string    `json:"source"`
	Value      string    `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// FieldResolution is the outcome of the waterfall for a single field.
type FieldResolution struct {
	Field    model.Field   `json:"field"`
	Resolved bool          `json:"resolved"`
	Winner   *SourceValue  `json:"winner,omitempty"`
	Attempts []SourceValue `json:"attempts,omitempty"`
}

// Result is the merged contact record for one entity.
type Result struct {
	Resolutions map[model.Field]FieldResolution `json:"resolutions"`
	Score       int                             `json:"score"`
}

// Value returns the resolved value and its source, both nil when absent.
func (r *Result) Value(field model.Field) (value, source *string) {
	if r == nil {
		return nil, nil
	}
	res, ok := r.Resolutions[field]
	if !ok || !res.Resolved || res.Winner == nil {
		return nil, nil
	}
	v, s := res.Winner.Value, res.Winner.Source
	return &v, &s
}

// Has reports whether field resolved to a value.
func (r *Result) Has(field model.Field) bool {
	v, _ := r.Value(field)
	return v != nil
}
