// Package capability implements matching and narrowing over capability tokens.
//
// A capability is a "verb:object" string naming a permitted operation, e.g.
// "read:data" or "invoke:billing". Two wildcard forms exist:
//
//	"*"        matches any capability
//	"verb:*"   matches any capability with the same verb
//
// Delegation chains narrow capabilities monotonically, so the subset check in
// this package is the single rule every delegation and credential issuance is
// validated against.
package capability

import "strings"

// Wildcard matches every capability token.
const Wildcard = "*"

// Match reports whether token is granted by pattern.
// "*" grants anything; "verb:*" grants any token with the same verb prefix;
// otherwise the match is exact.
func Match(pattern, token string) bool {
	if pattern == Wildcard {
		return true
	}
	if pattern == token {
		return true
	}
	if verb, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(token, verb+":")
	}
	return false
}

// Covered reports whether token is granted by at least one pattern in set.
func Covered(set []string, token string) bool {
	for _, p := range set {
		if Match(p, token) {
			return true
		}
	}
	return false
}

// Subset reports whether every capability in child is granted by parent.
// An empty child set is a subset of anything. A wildcard in child is only
// covered by an equally-wide pattern in parent ("read:*" requires "read:*"
// or "*"; "*" requires "*").
func Subset(child, parent []string) bool {
	for _, c := range child {
		if !patternCovered(parent, c) {
			return false
		}
	}
	return true
}

// patternCovered reports whether the (possibly wildcarded) child pattern c is
// fully granted by the parent set.
func patternCovered(parent []string, c string) bool {
	if c == Wildcard {
		// Only the universal wildcard can grant the universal wildcard.
		for _, p := range parent {
			if p == Wildcard {
				return true
			}
		}
		return false
	}
	if verb, ok := strings.CutSuffix(c, ":*"); ok {
		// "verb:*" needs "verb:*" or "*" in the parent; concrete parent
		// tokens cannot grant a whole verb namespace.
		for _, p := range parent {
			if p == Wildcard || p == verb+":*" {
				return true
			}
		}
		return false
	}
	return Covered(parent, c)
}

// Intersect returns the capabilities of a that remain grantable under b.
// The result preserves a's declaration order and drops duplicates.
func Intersect(a, b []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(a))
	for _, c := range a {
		if _, dup := seen[c]; dup {
			continue
		}
		if patternCovered(b, c) {
			out = append(out, c)
			seen[c] = struct{}{}
		}
	}
	return out
}

// Normalize trims whitespace and drops empty tokens, preserving order.
func Normalize(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
