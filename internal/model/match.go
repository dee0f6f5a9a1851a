package model

// MatchTier labels the rule that produced a match score.
type MatchTier int

const (
	TierUnmatched MatchTier = iota
	TierExactNameCityRegion
	TierExactNamePostal
	TierPhoneticNameCityRegion
	TierPhoneticNamePostal
	TierPhoneticNameRegion
)

var tierScores = map[MatchTier]int{
	TierExactNameCityRegion:    95,
	TierExactNamePostal:        90,
	TierPhoneticNameCityRegion: 85,
	TierPhoneticNamePostal:     80,
	TierPhoneticNameRegion:     70,
}

var tierLabels = map[MatchTier]string{
	TierUnmatched:              "unmatched",
	TierExactNameCityRegion:    "exact_name_city_region",
	TierExactNamePostal:        "exact_name_postal5",
	TierPhoneticNameCityRegion: "phonetic_name_city_region",
	TierPhoneticNamePostal:     "phonetic_name_postal5",
	TierPhoneticNameRegion:     "phonetic_name_region",
}

// Score returns the confidence assigned to the tier.
func (t MatchTier) Score() int {
	return tierScores[t]
}

func (t MatchTier) String() string {
	if s, ok := tierLabels[t]; ok {
		return s
	}
	return "unknown"
}

// Match links a license to at most one registry identity.
type Match struct {
	LicenseKey          LicenseKey `json:"license_key"`
	RegistryID          *string    `json:"registry_id,omitempty"`
	Confidence          int        `json:"confidence"`
	Tier                MatchTier  `json:"tier"`
	NeedsReview         bool       `json:"needs_review"`
	AutoApproveLowRisk  bool       `json:"auto_approve_for_low_risk_channel"`
	AutoApproveHighRisk bool       `json:"auto_approve_for_high_risk_channel"`
}

// Matched reports whether the license was linked to a registry identity.
func (m Match) Matched() bool {
	return m.RegistryID != nil && m.Confidence > 0
}
