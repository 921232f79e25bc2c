// Package threat screens agent registrations for risk indicators. It
// scores the requested capability set and sponsor against a fixed rule
// set and can reject critical-risk registrations before an identity is
// minted.
package threat

import "context"

// Finding is a single rule match returned by the scorer.
type Finding struct {
	Rule        string  `json:"rule"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Report is the output of a screening run.
type Report struct {
	// Score is the aggregate risk score (0-100).
	Score int `json:"score"`

	// Severity is a label derived from Score:
	//   0-14   none, 15-34 low, 35-64 medium, 65-84 high, 85-100 critical
	Severity string `json:"severity"`

	// Findings lists every rule that triggered.
	Findings []Finding `json:"findings"`

	// Rejected is true when Score >= 85. Callers should deny the
	// registration.
	Rejected bool `json:"rejected"`
}

// Scorer analyses a registration request for risk indicators.
type Scorer interface {
	Score(ctx context.Context, sponsor string, caps []string) (*Report, error)
}

func severityLabel(score int) string {
	switch {
	case score >= 85:
		return "critical"
	case score >= 65:
		return "high"
	case score >= 35:
		return "medium"
	case score >= 15:
		return "low"
	default:
		return "none"
	}
}
