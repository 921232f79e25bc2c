package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port: %d", cfg.Server.Port)
	}
	if cfg.Identity.CredentialTTL != 15*time.Minute {
		t.Errorf("credential ttl: %v", cfg.Identity.CredentialTTL)
	}
	if cfg.Identity.CredentialRotationLead != 5*time.Minute {
		t.Errorf("rotation lead: %v", cfg.Identity.CredentialRotationLead)
	}
	if cfg.Policy.EvalTimeout != 5*time.Millisecond {
		t.Errorf("eval timeout: %v", cfg.Policy.EvalTimeout)
	}
	if cfg.Trust.RevocationThreshold != 300 || cfg.Trust.DecayRate != 2.0 {
		t.Errorf("trust defaults: %+v", cfg.Trust)
	}
	if cfg.Audit.Storage != AuditStorageMemory {
		t.Errorf("audit storage: %q", cfg.Audit.Storage)
	}
	if err := cfg.Weights().Validate(); err != nil {
		t.Errorf("default weights: %v", err)
	}
}

func TestLoad_fileOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9090
audit:
  storage: file
  file_path: /var/lib/agentmesh/audit.log
trust:
  revocation_threshold: 250
  dimension_weights:
    policy_compliance: 0.4
    resource_efficiency: 0.1
    output_quality: 0.2
    security_posture: 0.2
    collaboration_health: 0.1
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: %d", cfg.Server.Port)
	}
	if cfg.Audit.Storage != AuditStorageFile || cfg.Audit.FilePath != "/var/lib/agentmesh/audit.log" {
		t.Errorf("audit: %+v", cfg.Audit)
	}
	if cfg.Trust.RevocationThreshold != 250 {
		t.Errorf("threshold: %d", cfg.Trust.RevocationThreshold)
	}
	if got := cfg.Weights()["policy_compliance"]; got != 0.4 {
		t.Errorf("weights: %v", cfg.Weights())
	}
}

func TestLoad_invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad storage", "audit:\n  storage: tape\n"},
		{"file storage without path", "audit:\n  storage: file\n  file_path: \"\"\n"},
		{"postgres without url", "audit:\n  storage: postgres\n"},
		{"bad threshold", "trust:\n  revocation_threshold: 1500\n"},
		{"rotation lead above ttl", "identity:\n  credential_rotation_lead: 20m\n"},
		{"bad weights", "trust:\n  dimension_weights:\n    policy_compliance: 1.0\n"},
		{"bad alpha", "trust:\n  dimension_alpha:\n    policy_compliance: 1.5\n"},
		{"bad port", "server:\n  port: -1\n"},
	}
	for _, c := range cases {
		if _, err := Load(writeConfig(t, c.body)); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}
