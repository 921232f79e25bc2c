package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/meshcrypto"
	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/internal/server"
	"github.com/agentmesh/agentmesh/internal/trust"
	"github.com/agentmesh/agentmesh/pkg/client"
)

const adminSecret = "sdk-test-secret"

// startMesh brings up a full daemon stack on an httptest listener.
func startMesh(t *testing.T) *client.Client {
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

	approvals := policy.NewApprovalManager(2*time.Second, zap.NewNop())
	srv, err := server.New(m, approvals, server.Config{AdminSecret: adminSecret}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return client.MustNew(ts.URL, client.WithAdminSecret(adminSecret))
}

func registerAgent(t *testing.T, c *client.Client, caps []string) string {
	t.Helper()
	pub, _, err := meshcrypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.RegisterAgent(context.Background(), meshcrypto.EncodeKey(pub), "", caps)
	if err != nil {
		t.Fatal(err)
	}
	return res.DID
}

func TestRegisterAndGetAgent(t *testing.T) {
	c := startMesh(t)
	ctx := context.Background()

	pub, _, err := meshcrypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.RegisterAgent(ctx, meshcrypto.EncodeKey(pub), "acme", []string{"read:data"})
	if err != nil {
		t.Fatal(err)
	}
	if !meshcrypto.ValidDID(res.DID) {
		t.Errorf("bad did %q", res.DID)
	}
	if res.BearerToken == "" || res.Credential == nil {
		t.Error("missing credential material")
	}

	agent, err := c.GetAgent(ctx, res.DID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != "active" || agent.Sponsor != "acme" {
		t.Errorf("agent: %+v", agent)
	}

	agents, err := c.ListAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 {
		t.Errorf("agents: %d", len(agents))
	}
}

func TestEvaluateFlow(t *testing.T) {
	c := startMesh(t)
	ctx := context.Background()

	did := registerAgent(t, c, []string{"read:data"})
	if _, err := c.LoadPolicy(ctx, []byte(`
version: "1.0"
name: base
agent: "*"
default_action: deny
rules:
  - name: allow-read
    condition: action == 'read'
    action: allow
    priority: 10
`)); err != nil {
		t.Fatal(err)
	}

	res, err := c.Evaluate(ctx, did, map[string]any{"action": "read"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Decision.Allowed || res.Decision.MatchedRule != "allow-read" {
		t.Errorf("decision: %+v", res.Decision)
	}

	res, err = c.Evaluate(ctx, did, map[string]any{"action": "delete"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Allowed {
		t.Errorf("expected deny: %+v", res.Decision)
	}
}

func TestEvaluate_unknownAgentIsAPIError(t *testing.T) {
	c := startMesh(t)
	_, err := c.Evaluate(context.Background(), "did:mesh:unknown", map[string]any{"action": "read"}, false)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("err: %v", err)
	}
}

func TestTrustSignalRoundTrip(t *testing.T) {
	c := startMesh(t)
	ctx := context.Background()
	did := registerAgent(t, c, []string{"read:data"})

	score, err := c.RecordSignal(ctx, &client.Signal{
		DID:       did,
		Dimension: client.DimensionPolicyCompliance,
		Compliant: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if score.Composite != 300 {
		t.Errorf("composite: %d", score.Composite)
	}

	got, err := c.TrustScore(ctx, did)
	if err != nil {
		t.Fatal(err)
	}
	if got.Composite != score.Composite || got.Dimensions["policy_compliance"].Signals != 1 {
		t.Errorf("score: %+v", got)
	}
}

func TestAuditQueriesThroughSDK(t *testing.T) {
	c := startMesh(t)
	ctx := context.Background()
	did := registerAgent(t, c, []string{"read:data"})

	root, err := c.AuditRoot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root.Size != 1 || root.Root == "" {
		t.Errorf("root: %+v", root)
	}

	entries, err := c.AuditEntries(ctx, client.AuditFilter{Actor: did})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Type != "registration" {
		t.Errorf("entries: %+v", entries)
	}

	proof, err := c.AuditProof(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if proof.Root != root.Root {
		t.Errorf("proof root %q vs %q", proof.Root, root.Root)
	}

	v, err := c.VerifyAudit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid {
		t.Errorf("verification: %+v", v)
	}
}

func TestRevokeAgent_adminSecretRequired(t *testing.T) {
	c := startMesh(t)
	ctx := context.Background()
	did := registerAgent(t, c, nil)

	// Rebuild a client without the admin secret against the same base.
	revoked, err := c.RevokeAgent(ctx, did, "compromised")
	if err != nil {
		t.Fatal(err)
	}
	if !revoked {
		t.Error("expected revocation")
	}

	agent, err := c.GetAgent(ctx, did)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != "revoked" || agent.RevokeReason != "compromised" {
		t.Errorf("agent: %+v", agent)
	}
}
