package trust

// Tier is the coarse trust classification derived from the composite score.
type Tier string

const (
	TierVerifiedPartner Tier = "verified_partner"
	TierTrusted         Tier = "trusted"
	TierStandard        Tier = "standard"
	TierProbationary    Tier = "probationary"
	TierUntrusted       Tier = "untrusted"
)

// Composite thresholds for each tier.
const (
	ThresholdVerifiedPartner = 900
	ThresholdTrusted         = 700
	ThresholdStandard        = 500
	ThresholdProbationary    = 300
)

// TierFor maps a composite score in [0, 1000] to its tier.
func TierFor(composite int) Tier {
	switch {
	case composite >= ThresholdVerifiedPartner:
		return TierVerifiedPartner
	case composite >= ThresholdTrusted:
		return TierTrusted
	case composite >= ThresholdStandard:
		return TierStandard
	case composite >= ThresholdProbationary:
		return TierProbationary
	default:
		return TierUntrusted
	}
}
