package policy

import "strings"

// Context values follow the JSON data model: nil, bool, int64/float64, string,
// []any, and map[string]any. The helpers below define the language semantics
// over that model: dotted-path lookup, equality, and membership.

// lookupPath resolves a dotted path (e.g. "data.contains_pii") against a
// nested context map. Any missing or non-map intermediate component yields
// nil, so conditions over absent fields evaluate quietly to false.
func lookupPath(ctx map[string]any, path string) any {
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// equalValues compares two context values. Numbers compare numerically across
// int and float representations; lists and maps compare pairwise.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		return bok && na == nb
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !equalValues(v, bvv) {
				return false
			}
		}
		return true
	}
	return false
}

// memberOf implements the "in" operator: membership in a list, or key
// presence in a map when the needle is a string.
func memberOf(needle, haystack any) bool {
	switch hv := haystack.(type) {
	case []any:
		for _, item := range hv {
			if equalValues(needle, item) {
				return true
			}
		}
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := hv[key]
		return present
	}
	return false
}

// toFloat converts any numeric context value to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// truthy reports whether a condition result counts as a match. Only the
// boolean true matches; every other value (including non-empty strings and
// numbers) does not, to keep condition outcomes unambiguous.
func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
