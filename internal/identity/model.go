package identity

import (
	"crypto/ed25519"
	"errors"
	"time"
)

// Status represents the lifecycle state of a registered identity.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// Identity is the core record for a registered agent.
// The registry stores only the public key; the private key never leaves the
// agent process.
type Identity struct {
	DID          string            `json:"did"`
	PublicKey    ed25519.PublicKey `json:"public_key"`
	Sponsor      string            `json:"sponsor,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	RevokedAt    *time.Time        `json:"revoked_at,omitempty"`
	RevokeReason string            `json:"revoke_reason,omitempty"`
}

// Credential is a short-lived capability token bound to a DID.
// The signature is an Ed25519 signature by the registry authority key over
// the canonical JSON of the credential body (all fields except Signature).
type Credential struct {
	DID          string    `json:"did"`
	Capabilities []string  `json:"caps"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Signature    []byte    `json:"signature"`
}

// signingBody returns the canonical-JSON input for signing and verification.
// Times are pinned to UTC RFC 3339 so the byte form is reproducible.
func (c *Credential) signingBody() map[string]any {
	return map[string]any{
		"did":        c.DID,
		"caps":       c.Capabilities,
		"issued_at":  c.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at": c.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

// Expired reports whether the credential is past its expiry at time now.
func (c *Credential) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// TTLRemaining returns the time left until expiry (negative when expired).
func (c *Credential) TTLRemaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// GenesisPriorHash marks the root link of a delegation chain.
const GenesisPriorHash = "genesis"

// DelegationLink is one signed step in a capability-narrowing chain.
// Hash covers the canonical JSON of (prior_hash, issuer, subject, caps,
// issued_at, expires_at); Signature is the issuer's Ed25519 signature over
// those same canonical bytes.
type DelegationLink struct {
	PriorHash    string    `json:"prior_hash"`
	IssuerDID    string    `json:"issuer"`
	SubjectDID   string    `json:"subject"`
	Capabilities []string  `json:"caps"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Signature    []byte    `json:"signature"`
	Hash         string    `json:"hash"`
}

// signingBody returns the canonical-JSON input hashed and signed for a link.
func (l *DelegationLink) signingBody() map[string]any {
	return map[string]any{
		"prior_hash": l.PriorHash,
		"issuer":     l.IssuerDID,
		"subject":    l.SubjectDID,
		"caps":       l.Capabilities,
		"issued_at":  l.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at": l.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

// Expired reports whether the link is past its expiry at time now.
func (l *DelegationLink) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Chain is an ordered delegation chain, root (sponsor-issued) link first.
type Chain []*DelegationLink

// Sentinel errors for the identity and delegation operations.
var (
	ErrInvalidKey           = errors.New("invalid public key")
	ErrUnknownAgent         = errors.New("unknown agent")
	ErrUnknownSponsor       = errors.New("unknown sponsor")
	ErrCapabilityEscalation = errors.New("capability escalation")
	ErrDepthExceeded        = errors.New("delegation depth exceeded")
	ErrExpired              = errors.New("expired")
	ErrRevoked              = errors.New("identity revoked")
	ErrSuspended            = errors.New("identity suspended")
	ErrBadSignature         = errors.New("bad signature")
	ErrBrokenChain          = errors.New("broken delegation chain")
)
