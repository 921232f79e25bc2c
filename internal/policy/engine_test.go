package policy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(Config{}, zap.NewNop())
	t.Cleanup(e.Close)
	return e
}

func mustLoad(t *testing.T, e *Engine, doc string) string {
	t.Helper()
	id, err := e.Load([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

const agentA = "did:mesh:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestEvaluate_registerAndEvaluate(t *testing.T) {
	e := newTestEngine(t)
	mustLoad(t, e, `
version: "1.0"
name: base
agent: "*"
default_action: deny
rules:
  - name: r1
    condition: action == 'read'
    action: allow
    priority: 10
`)

	d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "read"})
	if !d.Allowed || d.MatchedRule != "r1" {
		t.Errorf("read: got %+v, want allowed via r1", d)
	}

	d = e.Evaluate(context.Background(), agentA, map[string]any{"action": "write"})
	if d.Allowed || d.Action != ActionDeny {
		t.Errorf("write: got %+v, want default deny", d)
	}
	if d.PolicyName != "base" {
		t.Errorf("default decision should name the governing policy, got %q", d.PolicyName)
	}
}

func TestEvaluate_priorityOrder(t *testing.T) {
	e := newTestEngine(t)
	mustLoad(t, e, `
version: "1.0"
name: ordered
agent: "*"
default_action: deny
rules:
  - name: low-priority-allow
    condition: action == 'read'
    action: allow
    priority: 100
  - name: high-priority-deny
    condition: action == 'read' and data.contains_pii == true
    action: deny
    priority: 1
`)

	d := e.Evaluate(context.Background(), agentA, map[string]any{
		"action": "read",
		"data":   map[string]any{"contains_pii": true},
	})
	if d.Allowed || d.MatchedRule != "high-priority-deny" {
		t.Errorf("expected high-priority deny to win, got %+v", d)
	}

	d = e.Evaluate(context.Background(), agentA, map[string]any{"action": "read"})
	if !d.Allowed || d.MatchedRule != "low-priority-allow" {
		t.Errorf("expected fallthrough to allow, got %+v", d)
	}
}

func TestEvaluate_disabledRuleSkipped(t *testing.T) {
	e := newTestEngine(t)
	mustLoad(t, e, `
version: "1.0"
name: toggles
agent: "*"
default_action: deny
rules:
  - name: off
    condition: action == 'read'
    action: deny
    priority: 1
    enabled: false
  - name: on
    condition: action == 'read'
    action: allow
    priority: 2
`)

	d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "read"})
	if !d.Allowed || d.MatchedRule != "on" {
		t.Errorf("disabled rule should be skipped, got %+v", d)
	}
}

func TestEvaluate_didSelector(t *testing.T) {
	e := newTestEngine(t)
	mustLoad(t, e, fmt.Sprintf(`
version: "1.0"
name: only-a
agent: %q
default_action: allow
rules:
  - name: block-exports
    condition: action == 'export'
    action: deny
    priority: 1
`, agentA))

	other := "did:mesh:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "export"})
	if d.Allowed {
		t.Errorf("agent A export should be denied, got %+v", d)
	}
	// No policy governs the other agent: engine default deny.
	d = e.Evaluate(context.Background(), other, map[string]any{"action": "export"})
	if d.Allowed || d.PolicyName != "" {
		t.Errorf("ungoverned agent should hit engine default, got %+v", d)
	}
}

func TestEvaluate_governingDefaultPrefersSpecificPolicy(t *testing.T) {
	e := newTestEngine(t)
	mustLoad(t, e, `
version: "1.0"
name: everyone
agent: "*"
default_action: deny
rules: []
`)
	mustLoad(t, e, fmt.Sprintf(`
version: "1.0"
name: special
agent: %q
default_action: allow
rules: []
`, agentA))

	d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "anything"})
	if !d.Allowed || d.PolicyName != "special" {
		t.Errorf("DID-specific default should govern, got %+v", d)
	}
}

func TestEvaluate_requireApproval(t *testing.T) {
	e := newTestEngine(t)
	mustLoad(t, e, `
version: "1.0"
name: approvals
agent: "*"
default_action: deny
rules:
  - name: prod-deploy
    condition: action == 'deploy'
    action: require_approval
    priority: 1
    approvers: [ops@example.com]
`)

	d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "deploy"})
	if d.Allowed {
		t.Error("require_approval must not allow")
	}
	if d.Action != ActionRequireApproval {
		t.Errorf("action: got %q", d.Action)
	}
	if len(d.Approvers) != 1 || d.Approvers[0] != "ops@example.com" {
		t.Errorf("approvers: got %v", d.Approvers)
	}
}

func TestEvaluate_rateLimit(t *testing.T) {
	e := newTestEngine(t)
	mustLoad(t, e, `
version: "1.0"
name: limited
agent: "*"
default_action: deny
rules:
  - name: limited-read
    condition: action == 'read'
    action: allow
    priority: 10
    limit: 3/minute
`)

	t0 := time.Now()
	e.limiter.now = func() time.Time { return t0 }

	for i := 0; i < 3; i++ {
		d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "read"})
		if !d.Allowed {
			t.Fatalf("request %d should be allowed, got %+v", i+1, d)
		}
	}

	d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "read"})
	if d.Allowed || !d.RateLimited {
		t.Fatalf("fourth request should be rate limited, got %+v", d)
	}
	if want := t0.Add(time.Minute); !d.RateLimitReset.Equal(want) {
		t.Errorf("reset: got %v, want %v", d.RateLimitReset, want)
	}

	// A different agent has its own counter.
	other := "did:mesh:cccccccccccccccccccccccccccccccc"
	if d := e.Evaluate(context.Background(), other, map[string]any{"action": "read"}); !d.Allowed {
		t.Errorf("other agent should not share the window, got %+v", d)
	}

	// After the window slides past, the original agent is admitted again.
	e.limiter.now = func() time.Time { return t0.Add(61 * time.Second) }
	if d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "read"}); !d.Allowed {
		t.Errorf("expired window should admit again, got %+v", d)
	}
}

func TestEvaluate_timeout(t *testing.T) {
	e := NewEngine(Config{EvalTimeout: time.Nanosecond}, zap.NewNop())
	defer e.Close()
	mustLoad(t, e, `
version: "1.0"
name: slow
agent: "*"
default_action: allow
rules:
  - name: r1
    condition: action == 'read'
    action: allow
    priority: 1
`)

	time.Sleep(time.Millisecond)
	d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "read"})
	if d.Allowed || d.Reason != ReasonEvaluationTimeout {
		t.Errorf("expected evaluation_timeout deny, got %+v", d)
	}
}

func TestLoad_replacesByName(t *testing.T) {
	e := newTestEngine(t)
	mustLoad(t, e, `
version: "1.0"
name: base
agent: "*"
default_action: deny
rules:
  - name: r1
    condition: action == 'read'
    action: deny
    priority: 1
`)
	mustLoad(t, e, `
version: "1.0"
name: base
agent: "*"
default_action: deny
rules:
  - name: r1
    condition: action == 'read'
    action: allow
    priority: 1
`)

	if got := len(e.Policies()); got != 1 {
		t.Fatalf("expected 1 policy after replacement, got %d", got)
	}
	d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "read"})
	if !d.Allowed {
		t.Errorf("replaced policy should allow, got %+v", d)
	}
}

func TestUnload(t *testing.T) {
	e := newTestEngine(t)
	id := mustLoad(t, e, `
version: "1.0"
name: temp
agent: "*"
default_action: allow
rules: []
`)

	if !e.Unload(id) {
		t.Fatal("Unload should report removal")
	}
	if e.Unload(id) {
		t.Error("second Unload should be a no-op")
	}
	d := e.Evaluate(context.Background(), agentA, map[string]any{"action": "x"})
	if d.Allowed {
		t.Errorf("after unload, engine default deny should govern, got %+v", d)
	}
}

func TestApprovalManager_resolveAndTimeout(t *testing.T) {
	m := NewApprovalManager(50*time.Millisecond, zap.NewNop())

	d := &Decision{Action: ActionRequireApproval, MatchedRule: "r", PolicyName: "p", Approvers: []string{"ops"}}

	// Approved before the deadline.
	a := m.Submit(agentA, d)
	go func() {
		_ = m.Resolve(a.ID, true)
	}()
	if !m.Wait(a) {
		t.Error("resolved approval should report true")
	}

	// Timeout resolves to deny.
	b := m.Submit(agentA, d)
	if m.Wait(b) {
		t.Error("timed-out approval should report false")
	}

	if err := m.Resolve("no-such-id", true); err == nil {
		t.Error("resolving unknown approval should fail")
	}
}
