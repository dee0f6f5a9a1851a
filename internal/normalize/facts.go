package normalize

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
)

// Fact converts one enrichment row. Rows carry entity_id, source and
// observed_at columns plus one column per contact field they contribute.
func Fact(row map[string]string) (model.EnrichmentFact, error) {
	if err := requireFields(row, "entity_id", "source", "observed_at"); err != nil {
		return model.EnrichmentFact{}, err
	}
	observed, err := parseDate(row["observed_at"], time.RFC3339, "2006-01-02T15:04:05", "2006-01-02")
	if err != nil {
		return model.EnrichmentFact{}, eris.Wrap(err, "observed_at")
	}

	f := model.EnrichmentFact{
		EntityID:   clean(row["entity_id"]),
		Source:     strings.ToLower(clean(row["source"])),
		ObservedAt: *observed,
		Values:     make(map[model.Field]string),
	}
	for _, field := range model.ContactFields {
		if v := strings.TrimSpace(row[string(field)]); v != "" {
			f.Values[field] = v
		}
	}
	if len(f.Values) == 0 {
		return model.EnrichmentFact{}, ErrSkip
	}
	return f, nil
}
