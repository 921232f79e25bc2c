package client

import (
	"encoding/json"
	"time"
)

// Agent mirrors one identity record as returned by the API. PublicKey is
// the raw Ed25519 key, carried as base64 on the wire.
type Agent struct {
	DID          string     `json:"did"`
	PublicKey    []byte     `json:"public_key"`
	Sponsor      string     `json:"sponsor,omitempty"`
	Capabilities []string   `json:"capabilities"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// Credential is a signed, short-lived capability grant.
type Credential struct {
	DID          string    `json:"did"`
	Capabilities []string  `json:"caps"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Signature    []byte    `json:"signature"`
}

// RegisterResult is the response to RegisterAgent.
type RegisterResult struct {
	DID         string      `json:"did"`
	Credential  *Credential `json:"credential"`
	BearerToken string      `json:"bearer_token"`
}

// CredentialResult is the response to IssueCredential.
type CredentialResult struct {
	Credential  *Credential `json:"credential"`
	BearerToken string      `json:"bearer_token"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed        bool      `json:"allowed"`
	Action         string    `json:"action"`
	MatchedRule    string    `json:"matched_rule,omitempty"`
	PolicyName     string    `json:"policy_name,omitempty"`
	Reason         string    `json:"reason"`
	Approvers      []string  `json:"approvers,omitempty"`
	RateLimited    bool      `json:"rate_limited,omitempty"`
	RateLimitReset time.Time `json:"rate_limit_reset,omitzero"`
	EvaluationMs   float64   `json:"evaluation_ms"`
}

// EvaluateResult is the response to Evaluate. ApprovalID is set when the
// decision requires approval; Approved carries the verdict when the call
// waited for one.
type EvaluateResult struct {
	Decision   *Decision `json:"decision"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Approved   *bool     `json:"approved,omitempty"`
}

// Signal is one behavioral trust signal. Dimension selects which optional
// fields apply; see the dimension constants.
type Signal struct {
	DID       string `json:"did"`
	Dimension string `json:"dimension"`

	Compliant  bool   `json:"compliant,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`

	Used   float64 `json:"used,omitempty"`
	Budget float64 `json:"budget,omitempty"`

	Accepted bool   `json:"accepted,omitempty"`
	Consumer string `json:"consumer,omitempty"`

	WithinBoundary bool   `json:"within_boundary,omitempty"`
	EventType      string `json:"event_type,omitempty"`

	HandoffSuccessful bool   `json:"handoff_successful,omitempty"`
	PeerDID           string `json:"peer_did,omitempty"`
}

// Trust dimensions accepted in Signal.Dimension.
const (
	DimensionPolicyCompliance   = "policy_compliance"
	DimensionResourceEfficiency = "resource_efficiency"
	DimensionOutputQuality      = "output_quality"
	DimensionSecurityPosture    = "security_posture"
	DimensionCollaboration      = "collaboration_health"
)

// TrustScore is an agent's current trust snapshot.
type TrustScore struct {
	DID        string                    `json:"did"`
	Dimensions map[string]DimensionScore `json:"dimensions"`
	Composite  int                       `json:"composite"`
	Tier       string                    `json:"tier"`
	Anomalies  uint64                    `json:"anomalies"`
}

// DimensionScore is one dimension's state within a snapshot.
type DimensionScore struct {
	Score      float64   `json:"score"`
	Signals    uint64    `json:"signals"`
	LastUpdate time.Time `json:"last_update"`
}

// AuditEntry is one record of the tamper-evident log.
type AuditEntry struct {
	Seq      uint64          `json:"seq"`
	Time     time.Time       `json:"time"`
	Type     string          `json:"type"`
	Actor    string          `json:"actor"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// AuditFilter selects audit entries for AuditEntries.
type AuditFilter struct {
	Actor  string
	Type   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// AuditRoot is the response to AuditRoot.
type AuditRoot struct {
	Root string `json:"root"`
	Head string `json:"head"`
	Size uint64 `json:"size"`
}

// AuditProof is an inclusion proof plus the root it verifies against.
type AuditProof struct {
	Proof struct {
		Seq      uint64   `json:"seq"`
		TreeSize uint64   `json:"tree_size"`
		Path     []string `json:"path"`
	} `json:"proof"`
	Root string `json:"root"`
}

// AuditVerification is the response to VerifyAudit.
type AuditVerification struct {
	Valid       bool   `json:"valid"`
	TamperedSeq uint64 `json:"tampered_seq,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
