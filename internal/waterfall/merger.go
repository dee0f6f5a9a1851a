package waterfall

import (
	"github.com/sells-group/license-recon/internal/model"
)

// Merger resolves enrichment facts against a priority table. It holds no
// state beyond its configuration and is safe for concurrent use.
type Merger struct {
	cfg *Config
}

// NewMerger creates a merger. A nil config uses DefaultConfig.
func NewMerger(cfg *Config) *Merger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Merger{cfg: cfg}
}

// Config returns the merger's priority table.
func (m *Merger) Config() *Config {
	return m.cfg
}

// Merge resolves every configured field from the facts of a single entity.
// The result does not depend on the order of facts.
func (m *Merger) Merge(facts []model.EnrichmentFact) *Result {
	offers := collectOffers(facts)

	result := &Result{Resolutions: make(map[model.Field]FieldResolution, len(model.ContactFields))}
	for _, field := range model.ContactFields {
		res := FieldResolution{Field: field}
		for _, source := range m.cfg.Sources(field) {
			sv, ok := offers[offerKey{field: field, source: source}]
			if !ok {
				continue
			}
			res.Attempts = append(res.Attempts, sv)
			if res.Winner == nil {
				winner := sv
				res.Winner = &winner
				res.Resolved = true
			}
		}
		result.Resolutions[field] = res
	}
	result.Score = Score(m.cfg, result)
	return result
}

type offerKey struct {
	field  model.Field
	source string
}

// collectOffers keeps one value per (field, source): the most recent
// observation, with ties broken by the lexically smallest value.
func collectOffers(facts []model.EnrichmentFact) map[offerKey]SourceValue {
	offers := make(map[offerKey]SourceValue)
	for _, f := range facts {
		for _, field := range model.ContactFields {
			v, ok := f.Value(field)
			if !ok {
				continue
			}
			key := offerKey{field: field, source: f.Source}
			cand := SourceValue{Source: f.Source, Value: v, ObservedAt: f.ObservedAt}
			cur, exists := offers[key]
			if !exists || newer(cand, cur) {
				offers[key] = cand
			}
		}
	}
	return offers
}

func newer(a, b SourceValue) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.Value < b.Value
}

// Score is the weighted sum of resolved fields, clamped to [0,100].
func Score(cfg *Config, r *Result) int {
	total := 0
	for field, w := range cfg.Weights {
		if r.Has(field) {
			total += w
		}
	}
	return max(0, min(100, total))
}
