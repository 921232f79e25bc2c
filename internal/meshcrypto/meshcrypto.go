// Package meshcrypto provides the cryptographic primitives shared by every
// AgentMesh component:
//
//   - Ed25519 key generation, signing, and verification over raw 32-byte keys
//   - DID derivation (did:mesh:<hex>) from a public key
//   - RFC 8785 (JCS) canonical JSON used for all hashing and signing
//   - SHA-256 digests in lowercase hex
package meshcrypto
