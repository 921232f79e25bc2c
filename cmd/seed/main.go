// cmd/seed — populates a running meshd with realistic mock data for
// development: a handful of agents, a baseline policy set, and enough
// trust signals to spread the agents across tiers.
//
// Running twice is safe: agent registration is idempotent per key only,
// so a re-run registers a fresh batch; restart meshd for a clean slate.
//
// Usage:
//
//	go run ./cmd/seed
//	MESH_URL=http://localhost:8080 MESH_ADMIN_SECRET=... go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/agentmesh/agentmesh/internal/meshcrypto"
	"github.com/agentmesh/agentmesh/pkg/client"
)

const defaultURL = "http://localhost:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	base := os.Getenv("MESH_URL")
	if base == "" {
		base = defaultURL
	}

	ctx := context.Background()
	c, err := client.New(base, client.WithAdminSecret(os.Getenv("MESH_ADMIN_SECRET")))
	if err != nil {
		return err
	}

	if err := seedPolicies(ctx, c); err != nil {
		return fmt.Errorf("seed policies: %w", err)
	}
	dids, err := seedAgents(ctx, c)
	if err != nil {
		return fmt.Errorf("seed agents: %w", err)
	}
	if err := seedSignals(ctx, c, dids); err != nil {
		return fmt.Errorf("seed signals: %w", err)
	}

	fmt.Println("\nseed complete")
	return nil
}

// ── Policies ─────────────────────────────────────────────────────────────

var seedPolicyDocs = []string{
	`
version: "1.0"
name: baseline
agent: "*"
default_action: deny
rules:
  - name: allow-read
    condition: action == 'read'
    action: allow
    priority: 10
  - name: allow-write-trusted
    condition: action == 'write' and (agent.tier == 'trusted' or agent.tier == 'verified_partner')
    action: allow
    priority: 20
`,
	`
version: "1.0"
name: prod-guard
agent: "*"
default_action: deny
rules:
  - name: deploy-needs-approval
    condition: action == 'deploy' and environment == 'production'
    action: require_approval
    approvers: ["ops-team"]
    priority: 5
  - name: deploy-staging
    condition: action == 'deploy' and environment == 'staging'
    action: allow
    priority: 10
`,
}

func seedPolicies(ctx context.Context, c *client.Client) error {
	for _, doc := range seedPolicyDocs {
		id, err := c.LoadPolicy(ctx, []byte(doc))
		if err != nil {
			return err
		}
		fmt.Printf("policy loaded: %s\n", id)
	}
	return nil
}

// ── Agents ───────────────────────────────────────────────────────────────

type seedAgent struct {
	sponsor string
	caps    []string
}

var seedAgentDefs = []seedAgent{
	{sponsor: "acme-corp", caps: []string{"read:data", "write:data", "deploy:staging"}},
	{sponsor: "acme-corp", caps: []string{"read:data"}},
	{sponsor: "globex", caps: []string{"read:data", "write:data"}},
	{sponsor: "globex", caps: []string{"read:data", "deploy:production"}},
	{sponsor: "", caps: []string{"read:data"}},
}

func seedAgents(ctx context.Context, c *client.Client) ([]string, error) {
	dids := make([]string, 0, len(seedAgentDefs))
	for _, def := range seedAgentDefs {
		pub, _, err := meshcrypto.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		res, err := c.RegisterAgent(ctx, meshcrypto.EncodeKey(pub), def.sponsor, def.caps)
		if err != nil {
			return nil, err
		}
		fmt.Printf("agent registered: %s (sponsor=%q)\n", res.DID, def.sponsor)
		dids = append(dids, res.DID)
	}
	return dids, nil
}

// ── Trust signals ────────────────────────────────────────────────────────

// seedSignals gives each agent a different behavioral record so the
// seeded mesh shows all trust tiers: earlier agents behave well, later
// ones accumulate failures.
func seedSignals(ctx context.Context, c *client.Client, dids []string) error {
	for i, did := range dids {
		good := 10 - 2*i
		bad := 2 * i
		for j := 0; j < good; j++ {
			if err := sendFullSignalSet(ctx, c, did, true); err != nil {
				return err
			}
		}
		for j := 0; j < bad; j++ {
			if err := sendFullSignalSet(ctx, c, did, false); err != nil {
				return err
			}
		}
		score, err := c.TrustScore(ctx, did)
		if err != nil {
			return err
		}
		fmt.Printf("trust seeded: %s composite=%d tier=%s\n", did, score.Composite, score.Tier)
	}
	return nil
}

func sendFullSignalSet(ctx context.Context, c *client.Client, did string, positive bool) error {
	used := 40.0
	if !positive {
		used = 140.0
	}
	signals := []*client.Signal{
		{DID: did, Dimension: client.DimensionPolicyCompliance, Compliant: positive, PolicyName: "baseline"},
		{DID: did, Dimension: client.DimensionResourceEfficiency, Used: used, Budget: 100},
		{DID: did, Dimension: client.DimensionOutputQuality, Accepted: positive, Consumer: "seed"},
		{DID: did, Dimension: client.DimensionSecurityPosture, WithinBoundary: positive, EventType: "file_access"},
		{DID: did, Dimension: client.DimensionCollaboration, HandoffSuccessful: positive, PeerDID: "did:mesh:seed"},
	}
	for _, s := range signals {
		if _, err := c.RecordSignal(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
