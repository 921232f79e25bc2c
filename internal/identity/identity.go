// Package identity implements the AgentMesh identity and delegation layer.
//
// It provides:
//   - Registry     — issues and tracks signature-based agent identities
//   - Credential   — short-lived, Ed25519-signed, scoped capability tokens
//   - DelegationLink / Chain — capability-narrowing chains rooted in a sponsor
//   - Rotator      — background credential rotation before expiry
//
// An identity's DID is derived deterministically from its public key
// (did:mesh:<hex(sha256(pub))[:32]>), so the registry never stores private
// keys: agents hold their own keys and the registry verifies signatures.
package identity
