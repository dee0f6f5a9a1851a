package match

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/license-recon/internal/model"
)

// Confidence thresholds that derive approval flags from a match score.
const (
	ReviewFloor         = 70
	ReviewCeiling       = 90
	LowRiskAutoApprove  = 85
	HighRiskAutoApprove = 95
)

// candidate is a registry identity with its comparison keys precomputed.
type candidate struct {
	identity *model.RegistryIdentity
	first    string
	last     string
	firstSx  string
	lastSx   string
	city     string
	region   string
	postal5  string
}

func newCandidate(r *model.RegistryIdentity) candidate {
	first := NormalizeName(r.FirstName)
	last := NormalizeName(r.LastName)
	return candidate{
		identity: r,
		first:    first,
		last:     last,
		firstSx:  Soundex(first),
		lastSx:   Soundex(last),
		city:     NormalizeCity(r.Address.City),
		region:   NormalizeRegion(r.Address.Region),
		postal5:  r.Address.Postal5(),
	}
}

// Matcher scores license records against a registry snapshot. It is safe for
// concurrent use once built.
type Matcher struct {
	blocks map[string][]candidate
	size   int
}

// NewMatcher indexes the registry by block key. Identities without a usable
// name or region are never candidates.
func NewMatcher(registry []model.RegistryIdentity) *Matcher {
	m := &Matcher{blocks: make(map[string][]candidate)}
	for i := range registry {
		r := &registry[i]
		key := BlockKey(r.FirstName, r.LastName, r.Address.Region)
		if key == "" {
			continue
		}
		m.blocks[key] = append(m.blocks[key], newCandidate(r))
		m.size++
	}
	for key := range m.blocks {
		block := m.blocks[key]
		sort.Slice(block, func(i, j int) bool {
			return block[i].identity.RegistryID < block[j].identity.RegistryID
		})
	}
	return m
}

// Size returns the number of indexed registry identities.
func (m *Matcher) Size() int {
	return m.size
}

// Candidates returns the registry identities sharing the record's block key,
// ordered by registry id.
func (m *Matcher) Candidates(rec model.LicenseRecord) []model.RegistryIdentity {
	block := m.blocks[BlockKey(rec.FirstName, rec.LastName, rec.Address.Region)]
	out := make([]model.RegistryIdentity, len(block))
	for i, c := range block {
		out[i] = *c.identity
	}
	return out
}

// Match returns the best match for one license record. Ties at the same tier
// go to the lowest registry id. Records with no candidates are unmatched.
func (m *Matcher) Match(rec model.LicenseRecord) model.Match {
	key := BlockKey(rec.FirstName, rec.LastName, rec.Address.Region)
	if key == "" {
		return Unmatched(rec.Key)
	}

	first := NormalizeName(rec.FirstName)
	last := NormalizeName(rec.LastName)
	query := candidate{
		first:   first,
		last:    last,
		firstSx: Soundex(first),
		lastSx:  Soundex(last),
		city:    NormalizeCity(rec.Address.City),
		region:  NormalizeRegion(rec.Address.Region),
		postal5: rec.Address.Postal5(),
	}

	best := model.TierUnmatched
	var bestID string
	for _, c := range m.blocks[key] {
		tier, err := safeScore(query, c)
		if err != nil {
			zap.L().Warn("match: candidate scoring failed",
				zap.String("license_key", rec.Key.String()),
				zap.String("registry_id", c.identity.RegistryID),
				zap.Error(err),
			)
			continue
		}
		if tier == model.TierUnmatched {
			continue
		}
		// Candidates are sorted by registry id, so strict improvement keeps the lowest id on ties.
		if best == model.TierUnmatched || tier.Score() > best.Score() {
			best = tier
			bestID = c.identity.RegistryID
		}
	}

	if best == model.TierUnmatched {
		return Unmatched(rec.Key)
	}
	return Decide(rec.Key, bestID, best)
}

// MatchAll matches every record, fanning out across workers. The output holds
// exactly one Match per distinct license key, in first-seen input order.
func (m *Matcher) MatchAll(ctx context.Context, records []model.LicenseRecord, workers int) ([]model.Match, error) {
	if workers <= 0 {
		workers = 1
	}

	seen := make(map[model.LicenseKey]bool, len(records))
	unique := make([]model.LicenseRecord, 0, len(records))
	for _, r := range records {
		if seen[r.Key] {
			continue
		}
		seen[r.Key] = true
		unique = append(unique, r)
	}

	out := make([]model.Match, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	chunk := (len(unique) + workers - 1) / workers
	if chunk == 0 {
		chunk = 1
	}
	for start := 0; start < len(unique); start += chunk {
		end := min(start+chunk, len(unique))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if gctx.Err() != nil {
					return eris.Wrap(gctx.Err(), "match: cancelled")
				}
				out[i] = m.Match(unique[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Score applies the tier table to a license record and one registry identity.
func Score(rec model.LicenseRecord, reg model.RegistryIdentity) model.MatchTier {
	first := NormalizeName(rec.FirstName)
	last := NormalizeName(rec.LastName)
	query := candidate{
		first:   first,
		last:    last,
		firstSx: Soundex(first),
		lastSx:  Soundex(last),
		city:    NormalizeCity(rec.Address.City),
		region:  NormalizeRegion(rec.Address.Region),
		postal5: rec.Address.Postal5(),
	}
	return score(query, newCandidate(&reg))
}

func score(p, c candidate) model.MatchTier {
	if p.first == "" || p.last == "" {
		return model.TierUnmatched
	}
	exactName := p.first == c.first && p.last == c.last
	phonetic := p.firstSx == c.firstSx && p.lastSx == c.lastSx
	sameRegion := p.region != "" && p.region == c.region
	sameCity := p.city != "" && p.city == c.city
	samePostal := p.postal5 != "" && p.postal5 == c.postal5

	switch {
	case exactName && sameCity && sameRegion:
		return model.TierExactNameCityRegion
	case exactName && samePostal:
		return model.TierExactNamePostal
	case phonetic && sameCity && sameRegion:
		return model.TierPhoneticNameCityRegion
	case phonetic && samePostal:
		return model.TierPhoneticNamePostal
	case phonetic && sameRegion:
		return model.TierPhoneticNameRegion
	default:
		return model.TierUnmatched
	}
}

// safeScore isolates a single comparison so one bad candidate cannot abort a batch.
func safeScore(p, c candidate) (tier model.MatchTier, err error) {
	defer func() {
		if r := recover(); r != nil {
			tier = model.TierUnmatched
			err = eris.Errorf("match: score panic: %v", r)
		}
	}()
	return score(p, c), nil
}

// Decide builds a Match for a scored tier and derives its approval flags.
func Decide(key model.LicenseKey, registryID string, tier model.MatchTier) model.Match {
	s := tier.Score()
	id := registryID
	return model.Match{
		LicenseKey:          key,
		RegistryID:          &id,
		Confidence:          s,
		Tier:                tier,
		NeedsReview:         s >= ReviewFloor && s < ReviewCeiling,
		AutoApproveLowRisk:  s >= LowRiskAutoApprove,
		AutoApproveHighRisk: s >= HighRiskAutoApprove,
	}
}

// Unmatched returns the explicit no-match result for a license.
func Unmatched(key model.LicenseKey) model.Match {
	return model.Match{LicenseKey: key, Tier: model.TierUnmatched}
}
