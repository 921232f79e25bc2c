package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/meshcrypto"
	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/internal/server"
	"github.com/agentmesh/agentmesh/internal/trust"
)

const adminSecret = "test-admin-secret"

// ── Harness ──────────────────────────────────────────────────────────────

type testServer struct {
	router *gin.Engine
	mesh   *mesh.Mesh
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	_, authorityKey, err := meshcrypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	reg, err := identity.NewRegistry(authorityKey, identity.Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	pol := policy.NewEngine(policy.Config{}, zap.NewNop())
	aud, err := audit.NewLog(context.Background(), audit.NewMemoryStorage(), audit.Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	tr, err := trust.NewEngine(trust.Config{}, reg.Known, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m := mesh.New(reg, pol, aud, tr, zap.NewNop())
	t.Cleanup(func() { m.Close() })

	approvals := policy.NewApprovalManager(time.Second, zap.NewNop())
	srv, err := server.New(m, approvals, server.Config{
		CORSOrigins: []string{"*"},
		AdminSecret: adminSecret,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{router: srv.Router(), mesh: m}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if s, ok := body.(string); ok {
		rd = bytes.NewReader([]byte(s))
	} else if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Secret", adminSecret)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func (ts *testServer) registerAgent(t *testing.T, caps []string) string {
	t.Helper()
	pub, _, err := meshcrypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	w := ts.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"public_key":   meshcrypto.EncodeKey(pub),
		"capabilities": caps,
	}, false)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	return decode(t, w)["did"].(string)
}

func (ts *testServer) loadPolicy(t *testing.T, doc string) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/policies", doc, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("load policy: %d %s", w.Code, w.Body.String())
	}
}

// ── Identity routes ──────────────────────────────────────────────────────

func TestRegisterAgent_returnsDIDAndToken(t *testing.T) {
	ts := newTestServer(t)
	pub, _, err := meshcrypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	w := ts.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"public_key":   meshcrypto.EncodeKey(pub),
		"capabilities": []string{"read:data"},
	}, false)
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	did, _ := resp["did"].(string)
	if !meshcrypto.ValidDID(did) {
		t.Errorf("bad did %q", did)
	}
	if resp["bearer_token"] == "" {
		t.Error("missing bearer token")
	}

	// Same key registers to the same DID.
	w2 := ts.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"public_key": meshcrypto.EncodeKey(pub),
	}, false)
	if got := decode(t, w2)["did"]; got != did {
		t.Errorf("re-register: got %v want %v", got, did)
	}
}

func TestRegisterAgent_badKey(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"public_key": "not-base64!!!",
	}, false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d", w.Code)
	}
}

func TestGetAgent_unknown(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/agents/did:mesh:0000", nil, false)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d", w.Code)
	}
}

func TestRevokeAgent_requiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	did := ts.registerAgent(t, []string{"read:data"})

	w := ts.do(t, http.MethodPost, "/api/v1/agents/"+did+"/revoke",
		map[string]any{"reason": "compromised"}, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("without secret: %d", w.Code)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/agents/"+did+"/revoke",
		map[string]any{"reason": "compromised"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("with secret: %d %s", w.Code, w.Body.String())
	}
	if decode(t, w)["revoked"] != true {
		t.Error("expected revoked=true")
	}

	// Second revoke is a no-op.
	w = ts.do(t, http.MethodPost, "/api/v1/agents/"+did+"/revoke",
		map[string]any{"reason": "again"}, true)
	if decode(t, w)["revoked"] != false {
		t.Error("expected revoked=false on repeat")
	}
}

func TestIssueAndVerifyCredential(t *testing.T) {
	ts := newTestServer(t)
	did := ts.registerAgent(t, []string{"read:data", "write:data"})

	w := ts.do(t, http.MethodPost, "/api/v1/agents/"+did+"/credentials", map[string]any{
		"capabilities": []string{"read:data"},
		"ttl_seconds":  600,
	}, false)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue: %d %s", w.Code, w.Body.String())
	}
	cred := decode(t, w)["credential"]

	w = ts.do(t, http.MethodPost, "/api/v1/credentials/verify", cred, false)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: %d", w.Code)
	}
	if decode(t, w)["valid"] != true {
		t.Errorf("expected valid credential: %s", w.Body.String())
	}
}

func TestIssueCredential_escalationRejected(t *testing.T) {
	ts := newTestServer(t)
	did := ts.registerAgent(t, []string{"read:data"})

	w := ts.do(t, http.MethodPost, "/api/v1/agents/"+did+"/credentials", map[string]any{
		"capabilities": []string{"admin:all"},
	}, false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d: %s", w.Code, w.Body.String())
	}
}

// ── Policy routes ────────────────────────────────────────────────────────

const basePolicy = `
version: "1.0"
name: base
agent: "*"
default_action: deny
rules:
  - name: allow-read
    condition: action == 'read'
    action: allow
    priority: 10
`

func TestEvaluate_allowAndDeny(t *testing.T) {
	ts := newTestServer(t)
	did := ts.registerAgent(t, []string{"read:data"})
	ts.loadPolicy(t, basePolicy)

	w := ts.do(t, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"did":     did,
		"context": map[string]any{"action": "read"},
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	decision := decode(t, w)["decision"].(map[string]any)
	if decision["allowed"] != true || decision["matched_rule"] != "allow-read" {
		t.Errorf("decision: %v", decision)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"did":     did,
		"context": map[string]any{"action": "delete"},
	}, false)
	decision = decode(t, w)["decision"].(map[string]any)
	if decision["allowed"] != false {
		t.Errorf("expected deny: %v", decision)
	}
}

func TestEvaluate_unknownAgent(t *testing.T) {
	ts := newTestServer(t)
	ts.loadPolicy(t, basePolicy)
	w := ts.do(t, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"did":     "did:mesh:ffff",
		"context": map[string]any{"action": "read"},
	}, false)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d", w.Code)
	}
}

func TestEvaluate_approvalFlow(t *testing.T) {
	ts := newTestServer(t)
	did := ts.registerAgent(t, []string{"deploy:prod"})
	ts.loadPolicy(t, `
version: "1.0"
name: prod-guard
agent: "*"
default_action: deny
rules:
  - name: deploy-needs-approval
    condition: action == 'deploy'
    action: require_approval
    approvers: ["ops-team"]
    priority: 10
`)

	w := ts.do(t, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"did":     did,
		"context": map[string]any{"action": "deploy"},
	}, false)
	resp := decode(t, w)
	approvalID, _ := resp["approval_id"].(string)
	if approvalID == "" {
		t.Fatalf("missing approval_id: %s", w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/approvals", nil, false)
	if !strings.Contains(w.Body.String(), approvalID) {
		t.Errorf("approval not pending: %s", w.Body.String())
	}

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+approvalID+"/resolve",
		map[string]any{"approved": true}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", w.Code, w.Body.String())
	}

	// Resolving twice fails: the approval is consumed.
	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+approvalID+"/resolve",
		map[string]any{"approved": true}, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("double resolve: %d", w.Code)
	}
}

func TestLoadPolicy_invalidDocument(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/policies", "version: \"1.0\"\n", true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d: %s", w.Code, w.Body.String())
	}
}

func TestUnloadPolicy(t *testing.T) {
	ts := newTestServer(t)
	ts.loadPolicy(t, basePolicy)

	w := ts.do(t, http.MethodGet, "/api/v1/policies", nil, false)
	resp := decode(t, w)
	ids := resp["policies"].([]any)
	if len(ids) != 1 {
		t.Fatalf("policies: %v", ids)
	}
	id := ids[0].(string)

	w = ts.do(t, http.MethodDelete, "/api/v1/policies/"+id, nil, true)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: %d", w.Code)
	}
	w = ts.do(t, http.MethodDelete, "/api/v1/policies/"+id, nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("repeat delete: %d", w.Code)
	}
}

// ── Audit routes ─────────────────────────────────────────────────────────

func TestAuditQueryAndProof(t *testing.T) {
	ts := newTestServer(t)
	did := ts.registerAgent(t, []string{"read:data"})
	ts.loadPolicy(t, basePolicy)
	for i := 0; i < 3; i++ {
		ts.do(t, http.MethodPost, "/api/v1/evaluate", map[string]any{
			"did":     did,
			"context": map[string]any{"action": "read"},
		}, false)
	}

	w := ts.do(t, http.MethodGet, "/api/v1/audit/entries?type=policy_evaluation", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("query: %d", w.Code)
	}
	entries := decode(t, w)["entries"].([]any)
	if len(entries) != 3 {
		t.Errorf("entries: %d", len(entries))
	}

	w = ts.do(t, http.MethodGet, "/api/v1/audit/entries/0/proof", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("proof: %d %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["root"] == "" || resp["proof"] == nil {
		t.Errorf("proof response: %s", w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/audit/verify", nil, false)
	if decode(t, w)["valid"] != true {
		t.Errorf("verify: %s", w.Body.String())
	}
}

func TestAuditEntry_notFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/audit/entries/99", nil, false)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d", w.Code)
	}
}

func TestAuditExport_streamsEnvelopes(t *testing.T) {
	ts := newTestServer(t)
	ts.registerAgent(t, []string{"read:data"})
	ts.registerAgent(t, []string{"write:data"})

	w := ts.do(t, http.MethodGet, "/api/v1/audit/export?since=1", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("export: %d", w.Code)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines: %d", len(lines))
	}
	env, err := audit.ParseEnvelope([]byte(lines[0]))
	if err != nil {
		t.Fatal(err)
	}
	if env.Seq != 1 || env.Type != "ai.agentmesh.registration" {
		t.Errorf("envelope: %+v", env)
	}
}

// ── Trust routes ─────────────────────────────────────────────────────────

func TestTrustSignalAndScore(t *testing.T) {
	ts := newTestServer(t)
	did := ts.registerAgent(t, []string{"read:data"})

	w := ts.do(t, http.MethodPost, "/api/v1/trust/signals", map[string]any{
		"did":       did,
		"dimension": "policy_compliance",
		"compliant": true,
	}, false)
	if w.Code != http.StatusAccepted {
		t.Fatalf("signal: %d %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/trust/"+did, nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("score: %d", w.Code)
	}
	score := decode(t, w)["score"].(map[string]any)
	// One fully compliant signal seeds the dimension at 100; the weighted
	// composite is 0.30 * 100 * 10 = 300.
	if score["composite"].(float64) != 300 {
		t.Errorf("composite: %v", score["composite"])
	}

	w = ts.do(t, http.MethodGet, "/api/v1/trust/"+did+"/history", nil, false)
	if got := len(decode(t, w)["history"].([]any)); got != 1 {
		t.Errorf("history length: %d", got)
	}
}

func TestTrustSignal_unknownDimension(t *testing.T) {
	ts := newTestServer(t)
	did := ts.registerAgent(t, nil)
	w := ts.do(t, http.MethodPost, "/api/v1/trust/signals", map[string]any{
		"did":       did,
		"dimension": "charisma",
	}, false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d", w.Code)
	}
}

func TestTrustScore_unknownAgent(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/trust/did:mesh:none", nil, false)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d", w.Code)
	}
}

func TestExperimentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	weights := map[string]float64{
		"policy_compliance":    0.30,
		"resource_efficiency":  0.15,
		"output_quality":       0.25,
		"security_posture":     0.20,
		"collaboration_health": 0.10,
	}
	treatment := map[string]float64{
		"policy_compliance":    0.50,
		"resource_efficiency":  0.10,
		"output_quality":       0.20,
		"security_posture":     0.10,
		"collaboration_health": 0.10,
	}

	w := ts.do(t, http.MethodPost, "/api/v1/experiments", map[string]any{
		"control":   weights,
		"treatment": treatment,
		"fraction":  0.5,
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	expID := decode(t, w)["id"].(string)

	// A second concurrent experiment is rejected.
	w = ts.do(t, http.MethodPost, "/api/v1/experiments", map[string]any{
		"control":   weights,
		"treatment": treatment,
		"fraction":  0.5,
	}, true)
	if w.Code != http.StatusConflict {
		t.Errorf("second start: %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/experiments/active", nil, true)
	if decode(t, w)["id"] != expID {
		t.Errorf("active: %s", w.Body.String())
	}

	w = ts.do(t, http.MethodPost, "/api/v1/experiments/"+expID+"/end", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("end: %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/api/v1/experiments/active", nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("active after end: %d", w.Code)
	}
}

// ── Plumbing ─────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if decode(t, w)["status"] != "ok" {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", nil, false)
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
}
