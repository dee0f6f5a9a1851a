package golden

import (
	"slices"
	"strings"
	"time"

	"github.com/sells-group/license-recon/internal/model"
)

// Project extracts the tracked columns from a golden record. Contact and
// enrichment fields are not tracked, so re-enrichment never opens a version.
func Project(g model.GoldenRecord) model.Projection {
	p := model.Projection{
		Status:       g.Status,
		StatusCode:   g.StatusCode,
		AddressLine1: strings.TrimSpace(g.Address.Line1),
		City:         strings.TrimSpace(g.Address.City),
		Region:       strings.TrimSpace(g.Address.Region),
		PostalCode:   strings.TrimSpace(g.Address.PostalCode),
		County:       strings.TrimSpace(g.Address.County),
		Specialty:    g.Specialty,
		Disciplinary: g.Disciplinary,
	}
	if g.ExpirationDate != nil {
		p.ExpirationDate = g.ExpirationDate.UTC().Format(time.DateOnly)
	}
	for name, held := range g.Certifications {
		if held {
			p.Certifications = append(p.Certifications, strings.ToLower(name))
		}
	}
	slices.Sort(p.Certifications)
	return p
}
