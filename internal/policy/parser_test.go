package policy

import "testing"

func evalCondition(t *testing.T, src string, ctx map[string]any) bool {
	t.Helper()
	expr, err := ParseCondition(src)
	if err != nil {
		t.Fatalf("ParseCondition(%q): %v", src, err)
	}
	return truthy(expr.eval(ctx))
}

func TestParseCondition_basics(t *testing.T) {
	ctx := map[string]any{
		"action":   "read",
		"resource": "customers",
		"count":    int64(3),
		"ratio":    0.5,
		"flags":    []any{"pii", "export"},
		"data": map[string]any{
			"contains_pii": true,
			"region":       "eu-west",
		},
	}

	cases := []struct {
		src  string
		want bool
	}{
		{`action == 'read'`, true},
		{`action == "write"`, false},
		{`action != 'write'`, true},
		{`count == 3`, true},
		{`count == 4`, false},
		{`ratio == 0.5`, true},
		{`data.contains_pii == true`, true},
		{`data.region starts_with 'eu-'`, true},
		{`data.region starts_with 'us-'`, false},
		{`'pii' in flags`, true},
		{`'secret' in flags`, false},
		{`'region' in data`, true},
		{`'missing' in data`, false},
		{`action == 'read' and data.contains_pii == true`, true},
		{`action == 'write' or data.contains_pii == true`, true},
		{`not (action == 'write')`, true},
		{`action == 'read' and not (data.region == 'us-east')`, true},
		{`action == 'write' and data.contains_pii == true or action == 'read'`, true},
	}
	for _, c := range cases {
		if got := evalCondition(t, c.src, ctx); got != c.want {
			t.Errorf("%q = %v, want %v", c.src, got, c.want)
		}
	}
}

func TestParseCondition_missingPathsAreNull(t *testing.T) {
	ctx := map[string]any{"data": map[string]any{}}

	cases := []struct {
		src  string
		want bool
	}{
		{`data.x == 'y'`, false},
		{`data.x == null`, true},
		{`data.x != 'y'`, true},
		{`missing.deeply.nested == null`, true},
		{`data.x in data`, false},
	}
	for _, c := range cases {
		if got := evalCondition(t, c.src, ctx); got != c.want {
			t.Errorf("%q = %v, want %v", c.src, got, c.want)
		}
	}
}

func TestParseCondition_rejectsInvalid(t *testing.T) {
	for _, src := range []string{
		"",
		"   ",
		"action ==",
		"== 'read'",
		"action = 'read'",
		"(action == 'read'",
		"action == 'read' and",
		"action == 'unterminated",
		"action @ 'read'",
		"not",
	} {
		if _, err := ParseCondition(src); err == nil {
			t.Errorf("ParseCondition(%q) should fail", src)
		}
	}
}

func TestParseCondition_noArithmeticOrCalls(t *testing.T) {
	// The grammar has no function calls and no arithmetic; these must be
	// rejected at parse time rather than silently evaluated.
	for _, src := range []string{
		"len(flags) == 2",
		"count + 1 == 4",
	} {
		if _, err := ParseCondition(src); err == nil {
			t.Errorf("ParseCondition(%q) should fail", src)
		}
	}
}

func TestParseCondition_precedence(t *testing.T) {
	ctx := map[string]any{"a": true, "b": false, "c": true}

	// "and" binds tighter than "or": a or (b and c) here.
	if !evalCondition(t, "a or b and c", map[string]any{"a": true, "b": false, "c": false}) {
		t.Error("expected a or (b and c) with a=true to match")
	}
	// "not" binds tighter than "and".
	if !evalCondition(t, "not b and c", ctx) {
		t.Error("expected (not b) and c to match")
	}
}
