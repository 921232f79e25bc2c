package threat

import (
	"context"
	"strings"
)

// ruleFunc inspects registration inputs and returns zero or more Findings.
type ruleFunc func(sponsor string, caps []string) []Finding

// RuleBasedScorer is the default Scorer implementation. It runs a fixed
// set of pattern rules against the registration inputs and accumulates a
// score.
type RuleBasedScorer struct {
	rules []ruleFunc
}

// NewRuleBasedScorer returns a RuleBasedScorer loaded with the default
// rule set.
func NewRuleBasedScorer() *RuleBasedScorer {
	s := &RuleBasedScorer{}
	s.rules = []ruleFunc{
		ruleCapabilityKeywords,
		ruleGlobalWildcard,
		ruleCapabilityFlood,
		ruleAnonymousPrivileged,
	}
	return s
}

// Score implements Scorer.
func (s *RuleBasedScorer) Score(_ context.Context, sponsor string, caps []string) (*Report, error) {
	var findings []Finding
	for _, r := range s.rules {
		findings = append(findings, r(sponsor, caps)...)
	}

	total := 0
	for _, f := range findings {
		total += int(f.Confidence * 25)
	}
	if total > 100 {
		total = 100
	}
	if findings == nil {
		findings = []Finding{}
	}

	return &Report{
		Score:    total,
		Severity: severityLabel(total),
		Findings: findings,
		Rejected: total >= 85,
	}, nil
}

// ── Rules ────────────────────────────────────────────────────────────────

// suspiciousCapabilityKeywords are terms in capability names that suggest
// the agent is claiming elevated system access.
var suspiciousCapabilityKeywords = []string{
	"shell", "exec", "sudo", "root", "kernel", "daemon",
}

func ruleCapabilityKeywords(_ string, caps []string) []Finding {
	var findings []Finding
	for _, c := range caps {
		lower := strings.ToLower(c)
		for _, kw := range suspiciousCapabilityKeywords {
			if strings.Contains(lower, kw) {
				findings = append(findings, Finding{
					Rule:        "capability_keyword",
					Description: "capability name contains suspicious keyword: " + kw,
					Confidence:  0.7,
				})
				break
			}
		}
	}
	return findings
}

// ruleGlobalWildcard flags the unrestricted "*" capability: it grants
// every present and future action.
func ruleGlobalWildcard(_ string, caps []string) []Finding {
	for _, c := range caps {
		if strings.TrimSpace(c) == "*" {
			return []Finding{{
				Rule:        "global_wildcard",
				Description: "capability set contains the unrestricted wildcard",
				Confidence:  0.9,
			}}
		}
	}
	return nil
}

// capabilityFloodThreshold is the capability count above which a request
// looks like privilege hoarding rather than a scoped agent.
const capabilityFloodThreshold = 25

func ruleCapabilityFlood(_ string, caps []string) []Finding {
	if len(caps) <= capabilityFloodThreshold {
		return nil
	}
	return []Finding{{
		Rule:        "capability_flood",
		Description: "registration requests an unusually broad capability set",
		Confidence:  0.5,
	}}
}

// ruleAnonymousPrivileged flags sponsorless registrations asking for
// admin-scoped capabilities. A sponsor puts a name behind the grant.
func ruleAnonymousPrivileged(sponsor string, caps []string) []Finding {
	if sponsor != "" {
		return nil
	}
	var findings []Finding
	for _, c := range caps {
		lower := strings.ToLower(c)
		if strings.HasPrefix(lower, "admin:") || strings.HasSuffix(lower, ":*") {
			findings = append(findings, Finding{
				Rule:        "anonymous_privileged",
				Description: "unsponsored registration requests privileged capability: " + c,
				Confidence:  0.6,
			})
		}
	}
	return findings
}
