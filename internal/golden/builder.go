// Package golden composes license, match, registry and enrichment data into
// one canonical record per professional.
package golden

import (
	"maps"
	"time"

	"github.com/sells-group/license-recon/internal/match"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/waterfall"
)

// DefaultNewLicenseeDays is the recency window for is_new_licensee.
const DefaultNewLicenseeDays = 180

// emailReadyConfidence is the match confidence an email needs before a
// matched record is considered email_ready.
const emailReadyConfidence = 70

// Config tunes derived flags.
type Config struct {
	NewLicenseeDays int `yaml:"new_licensee_days" mapstructure:"new_licensee_days"`
}

// Input is everything the builder needs for one entity.
type Input struct {
	License  model.LicenseRecord
	Match    model.Match
	Registry *model.RegistryIdentity
	Facts    []model.EnrichmentFact
}

// Builder produces golden records. It is deterministic for a fixed AsOf.
type Builder struct {
	cfg    Config
	merger *waterfall.Merger
}

// NewBuilder creates a builder. A nil merger uses the default priority table.
func NewBuilder(cfg Config, merger *waterfall.Merger) *Builder {
	if cfg.NewLicenseeDays <= 0 {
		cfg.NewLicenseeDays = DefaultNewLicenseeDays
	}
	if merger == nil {
		merger = waterfall.NewMerger(nil)
	}
	return &Builder{cfg: cfg, merger: merger}
}

// Build recomputes the golden record from scratch.
func (b *Builder) Build(in Input, asOf time.Time) model.GoldenRecord {
	lic := in.License
	g := model.GoldenRecord{
		EntityID:       lic.Key.String(),
		ProviderID:     ProviderID(lic.Key, in.Match),
		LicenseKey:     lic.Key,
		LoadID:         lic.LoadID,
		FirstName:      lic.FirstName,
		LastName:       lic.LastName,
		StatusCode:     lic.StatusCode,
		Status:         lic.Status,
		IssueDate:      lic.IssueDate,
		ExpirationDate: lic.ExpirationDate,
		Specialty:      lic.Specialty,
		Disciplinary:   lic.Disciplinary,
		LicenseCity:    lic.Address.City,

		RegistryID:          in.Match.RegistryID,
		MatchConfidence:     in.Match.Confidence,
		MatchTier:           in.Match.Tier.String(),
		NeedsReview:         in.Match.NeedsReview,
		AutoApproveLowRisk:  in.Match.AutoApproveLowRisk,
		AutoApproveHighRisk: in.Match.AutoApproveHighRisk,
	}
	if len(lic.Certifications) > 0 {
		g.Certifications = maps.Clone(lic.Certifications)
	}

	matched := in.Match.Matched() && in.Registry != nil
	if matched {
		g.Address = in.Registry.Address
		g.AddressSource = model.SourceRegistry
		g.AddressMismatch = match.NormalizeCity(in.Registry.Address.City) != match.NormalizeCity(lic.Address.City)
	} else {
		g.Address = lic.Address
		g.AddressSource = "license"
	}

	merged := b.merger.Merge(in.Facts)
	g.Email, g.EmailSource = merged.Value(model.FieldEmail)
	g.Phone, g.PhoneSource = merged.Value(model.FieldPhone)
	g.LinkedInURL, g.LinkedInURLSource = merged.Value(model.FieldLinkedInURL)
	g.Website, g.WebsiteSource = merged.Value(model.FieldWebsite)
	g.CompanyName, g.CompanyNameSource = merged.Value(model.FieldCompanyName)
	g.Title, g.TitleSource = merged.Value(model.FieldTitle)
	g.EnrichmentScore = merged.Score

	g.MissingEmail = g.Email == nil
	g.IsNewLicensee = b.isNewLicensee(lic.IssueDate, asOf)
	g.OutreachReadiness = readiness(g, matched)
	return g
}

// RegistryFact turns a registry identity's contact data into a registry
// enrichment fact for entityID. It reports false when the registry has no
// contact data. ObservedAt is the enumeration date so repeated cycles
// upsert the same fact.
func RegistryFact(entityID string, reg model.RegistryIdentity) (model.EnrichmentFact, bool) {
	if reg.Phone == "" {
		return model.EnrichmentFact{}, false
	}
	f := model.EnrichmentFact{
		EntityID: entityID,
		Source:   model.SourceRegistry,
		Values:   map[model.Field]string{model.FieldPhone: reg.Phone},
	}
	if reg.EnumerationDate != nil {
		f.ObservedAt = reg.EnumerationDate.UTC()
	}
	return f, true
}

func (b *Builder) isNewLicensee(issued *time.Time, asOf time.Time) bool {
	if issued == nil || issued.After(asOf) {
		return false
	}
	return asOf.Sub(*issued) <= time.Duration(b.cfg.NewLicenseeDays)*24*time.Hour
}

// readiness picks the most direct usable channel.
func readiness(g model.GoldenRecord, matched bool) model.OutreachReadiness {
	switch {
	case g.Email != nil && (!matched || g.MatchConfidence >= emailReadyConfidence):
		return model.ReadinessEmail
	case g.Phone != nil:
		return model.ReadinessPhoneOnly
	case g.Address.Mailable():
		return model.ReadinessMailOnly
	default:
		return model.ReadinessNone
	}
}

// ProviderID is the registry id when matched, else "<jurisdiction>-<license_number>".
func ProviderID(key model.LicenseKey, m model.Match) string {
	if m.Matched() {
		return *m.RegistryID
	}
	return key.Jurisdiction + "-" + key.LicenseNumber
}
