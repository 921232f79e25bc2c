package identity

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/internal/capability"
	"github.com/agentmesh/agentmesh/internal/meshcrypto"
	"go.uber.org/zap"
)

// ChainResult is the outcome of a successful chain verification.
type ChainResult struct {
	// EffectiveCapabilities is the intersection of every link's set, which by
	// the narrowing rule equals the last link's capabilities.
	EffectiveCapabilities []string

	// RootSponsor is the human sponsor name behind the chain's root issuer.
	RootSponsor string

	// SubjectDID is the acting agent at the end of the chain.
	SubjectDID string
}

// Delegate creates a new signed link extending chain (which may be empty for a
// root delegation). The issuer proves control of its key by signing the link;
// issuerCred scopes what it may pass on.
//
// Fails with ErrExpired when the issuer credential is expired,
// ErrCapabilityEscalation when caps exceed the credential's set, and
// ErrDepthExceeded when the extended chain would exceed the configured
// maximum depth.
func (r *Registry) Delegate(issuerCred *Credential, issuerKey ed25519.PrivateKey, chain Chain, subjectDID string, caps []string, ttl time.Duration) (*DelegationLink, error) {
	if issuerCred == nil {
		return nil, fmt.Errorf("issuer credential is required")
	}
	if issuerCred.Expired(r.now()) {
		return nil, fmt.Errorf("%w: issuer credential for %s", ErrExpired, issuerCred.DID)
	}
	if err := r.VerifyCredential(issuerCred); err != nil {
		return nil, err
	}
	caps = capability.Normalize(caps)
	if !capability.Subset(caps, issuerCred.Capabilities) {
		return nil, fmt.Errorf("%w: delegation from %s to %s", ErrCapabilityEscalation, issuerCred.DID, subjectDID)
	}
	if len(chain)+1 > r.cfg.MaxDelegationDepth {
		return nil, fmt.Errorf("%w: chain depth %d exceeds maximum %d", ErrDepthExceeded, len(chain)+1, r.cfg.MaxDelegationDepth)
	}
	if !meshcrypto.ValidDID(subjectDID) {
		return nil, fmt.Errorf("%w: malformed subject DID %q", ErrUnknownAgent, subjectDID)
	}

	priorHash := GenesisPriorHash
	if len(chain) > 0 {
		last := chain[len(chain)-1]
		if last.SubjectDID != issuerCred.DID {
			return nil, fmt.Errorf("%w: issuer %s is not the subject of the previous link", ErrBrokenChain, issuerCred.DID)
		}
		priorHash = last.Hash
	}

	if ttl <= 0 {
		ttl = r.cfg.CredentialTTL
	}
	now := r.now().UTC()
	link := &DelegationLink{
		PriorHash:    priorHash,
		IssuerDID:    issuerCred.DID,
		SubjectDID:   subjectDID,
		Capabilities: caps,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}

	body, err := meshcrypto.Canonical(link.signingBody())
	if err != nil {
		return nil, fmt.Errorf("canonicalize link: %w", err)
	}
	link.Hash = meshcrypto.SumHex(body)
	link.Signature = meshcrypto.Sign(issuerKey, body)

	// The signature must verify under the issuer's registered key, so a
	// caller cannot delegate with a key that does not match its DID.
	issuer, err := r.Get(issuerCred.DID)
	if err != nil {
		return nil, err
	}
	if !meshcrypto.Verify(issuer.PublicKey, body, link.Signature) {
		return nil, fmt.Errorf("%w: signing key does not match issuer %s", ErrBadSignature, issuerCred.DID)
	}

	r.logger.Info("delegation issued",
		zap.String("issuer", link.IssuerDID),
		zap.String("subject", link.SubjectDID),
		zap.Int("depth", len(chain)+1),
	)
	return link, nil
}

// VerifyChain validates a delegation chain from its last link up to the root
// and returns the effective capability set plus the root sponsor. The first
// violated invariant determines the error:
//
//	ErrDepthExceeded        — chain longer than the configured maximum
//	ErrExpired              — any link past its expiry
//	ErrBadSignature         — a link signature fails under its issuer's key
//	ErrBrokenChain          — prior_hash or issuer/subject continuity broken
//	ErrCapabilityEscalation — a link widens its parent's capabilities
//	ErrUnknownSponsor       — the root issuer is not a declared sponsor
//
// Revoked or suspended issuers fail verification with ErrRevoked/ErrSuspended:
// revocation propagates to every chain below the revoked identity without any
// eager graph traversal.
func (r *Registry) VerifyChain(chain Chain) (*ChainResult, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrBrokenChain)
	}
	if len(chain) > r.cfg.MaxDelegationDepth {
		return nil, fmt.Errorf("%w: chain depth %d exceeds maximum %d", ErrDepthExceeded, len(chain), r.cfg.MaxDelegationDepth)
	}

	now := r.now()
	for i := len(chain) - 1; i >= 0; i-- {
		link := chain[i]

		if link.Expired(now) {
			return nil, fmt.Errorf("%w: link %d expired at %s", ErrExpired, i, link.ExpiresAt.Format(time.RFC3339))
		}

		issuer, err := r.Get(link.IssuerDID)
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		if err := statusError(issuer.Status); err != nil {
			return nil, fmt.Errorf("link %d issuer %s: %w", i, issuer.DID, err)
		}

		body, err := meshcrypto.Canonical(link.signingBody())
		if err != nil {
			return nil, fmt.Errorf("canonicalize link %d: %w", i, err)
		}
		if meshcrypto.SumHex(body) != link.Hash {
			return nil, fmt.Errorf("%w: link %d hash mismatch", ErrBrokenChain, i)
		}
		if !meshcrypto.Verify(issuer.PublicKey, body, link.Signature) {
			return nil, fmt.Errorf("%w: link %d signed by %s", ErrBadSignature, i, link.IssuerDID)
		}

		if i == 0 {
			if link.PriorHash != GenesisPriorHash {
				return nil, fmt.Errorf("%w: root link prior hash %q is not genesis", ErrBrokenChain, link.PriorHash)
			}
			continue
		}

		prev := chain[i-1]
		if link.PriorHash != prev.Hash {
			return nil, fmt.Errorf("%w: link %d prior hash does not chain to link %d", ErrBrokenChain, i, i-1)
		}
		if link.IssuerDID != prev.SubjectDID {
			return nil, fmt.Errorf("%w: link %d issuer %s is not link %d subject %s", ErrBrokenChain, i, link.IssuerDID, i-1, prev.SubjectDID)
		}
		if !capability.Subset(link.Capabilities, prev.Capabilities) {
			return nil, fmt.Errorf("%w: link %d widens link %d", ErrCapabilityEscalation, i, i-1)
		}
	}

	root := chain[0]
	sponsor := r.SponsorName(root.IssuerDID)
	if sponsor == "" {
		return nil, fmt.Errorf("%w: root issuer %s", ErrUnknownSponsor, root.IssuerDID)
	}

	// Each link already narrows, so the intersection of all link sets is the
	// last link's set.
	effective := capability.Intersect(chain[len(chain)-1].Capabilities, root.Capabilities)
	return &ChainResult{
		EffectiveCapabilities: effective,
		RootSponsor:           sponsor,
		SubjectDID:            chain[len(chain)-1].SubjectDID,
	}, nil
}
