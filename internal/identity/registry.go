package identity

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/internal/capability"
	"github.com/agentmesh/agentmesh/internal/meshcrypto"
	"go.uber.org/zap"
)

// DefaultCredentialTTL is the lifetime of an issued credential when the
// caller passes a zero TTL.
const DefaultCredentialTTL = 15 * time.Minute

// DefaultMaxDelegationDepth bounds the length of any delegation chain.
const DefaultMaxDelegationDepth = 8

// snapshot is the immutable state readers operate on. Writers copy the maps,
// mutate the copy, and publish it atomically; readers never block writers.
type snapshot struct {
	identities map[string]*Identity
	sponsors   map[string]string // sponsor DID → human sponsor name
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		identities: make(map[string]*Identity, len(s.identities)+1),
		sponsors:   make(map[string]string, len(s.sponsors)+1),
	}
	for did, id := range s.identities {
		cp := *id
		next.identities[did] = &cp
	}
	for did, name := range s.sponsors {
		next.sponsors[did] = name
	}
	return next
}

// Config holds Registry tunables.
type Config struct {
	CredentialTTL      time.Duration // default 15m
	MaxDelegationDepth int           // default 8
}

// Registry issues and tracks agent identities and signs credentials with the
// mesh authority key. All reads go through an atomic snapshot; writes are
// serialised by a mutex and published copy-on-write.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	authorityKey ed25519.PrivateKey
	authorityPub ed25519.PublicKey
	cfg          Config
	now          func() time.Time
	logger       *zap.Logger
}

// NewRegistry creates a Registry signing credentials with authorityKey.
// Zero-valued Config fields fall back to the package defaults.
func NewRegistry(authorityKey ed25519.PrivateKey, cfg Config, logger *zap.Logger) (*Registry, error) {
	if len(authorityKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: authority key must be %d bytes", ErrInvalidKey, ed25519.PrivateKeySize)
	}
	if cfg.CredentialTTL == 0 {
		cfg.CredentialTTL = DefaultCredentialTTL
	}
	if cfg.MaxDelegationDepth == 0 {
		cfg.MaxDelegationDepth = DefaultMaxDelegationDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		authorityKey: authorityKey,
		authorityPub: authorityKey.Public().(ed25519.PublicKey),
		cfg:          cfg,
		now:          time.Now,
		logger:       logger,
	}
	r.snap.Store(&snapshot{
		identities: map[string]*Identity{},
		sponsors:   map[string]string{},
	})
	return r, nil
}

// AuthorityPublicKey returns the key that verifies registry-issued credentials.
func (r *Registry) AuthorityPublicKey() ed25519.PublicKey { return r.authorityPub }

// Register issues an identity for pub with the declared capabilities and
// returns its DID plus an initial credential. Re-registering a known key
// returns the existing DID (capabilities are not widened by re-registration).
func (r *Registry) Register(pub ed25519.PublicKey, sponsor string, caps []string) (string, *Credential, error) {
	did, err := meshcrypto.DeriveDID(pub)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	caps = capability.Normalize(caps)

	r.mu.Lock()
	snap := r.snap.Load()
	existing, ok := snap.identities[did]
	if ok {
		r.mu.Unlock()
		cred, err := r.IssueCredential(did, existing.Capabilities, 0)
		if err != nil {
			return "", nil, err
		}
		return did, cred, nil
	}

	next := snap.clone()
	next.identities[did] = &Identity{
		DID:          did,
		PublicKey:    append(ed25519.PublicKey(nil), pub...),
		Sponsor:      sponsor,
		Capabilities: caps,
		Status:       StatusActive,
		CreatedAt:    r.now().UTC(),
	}
	r.snap.Store(next)
	r.mu.Unlock()

	r.logger.Info("identity registered",
		zap.String("did", did),
		zap.String("sponsor", sponsor),
		zap.Int("capabilities", len(caps)),
	)

	cred, err := r.IssueCredential(did, caps, 0)
	if err != nil {
		return "", nil, err
	}
	return did, cred, nil
}

// RegisterSponsor registers a human sponsor identity and marks its DID as a
// valid delegation root. The sponsor name is the human-readable identifier
// returned by chain verification.
func (r *Registry) RegisterSponsor(name string, pub ed25519.PublicKey, caps []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("sponsor name is required")
	}
	did, _, err := r.Register(pub, name, caps)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	next := r.snap.Load().clone()
	next.sponsors[did] = name
	r.snap.Store(next)
	r.mu.Unlock()
	return did, nil
}

// Get returns the identity for did, or ErrUnknownAgent.
func (r *Registry) Get(did string) (*Identity, error) {
	id, ok := r.snap.Load().identities[did]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, did)
	}
	cp := *id
	return &cp, nil
}

// Known reports whether did is registered.
func (r *Registry) Known(did string) bool {
	_, ok := r.snap.Load().identities[did]
	return ok
}

// SponsorName returns the human sponsor name for a sponsor DID, or "" when
// the DID is not a declared sponsor.
func (r *Registry) SponsorName(did string) string {
	return r.snap.Load().sponsors[did]
}

// List returns all identities ordered by DID.
func (r *Registry) List() []*Identity {
	snap := r.snap.Load()
	out := make([]*Identity, 0, len(snap.identities))
	for _, id := range snap.identities {
		cp := *id
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out
}

// State is a serializable registry snapshot for backup and restore.
type State struct {
	Identities []*Identity       `json:"identities"`
	Sponsors   map[string]string `json:"sponsors"`
}

// Export captures the current identity set and sponsor allow-list.
func (r *Registry) Export() *State {
	snap := r.snap.Load()
	st := &State{
		Identities: make([]*Identity, 0, len(snap.identities)),
		Sponsors:   make(map[string]string, len(snap.sponsors)),
	}
	for _, id := range snap.identities {
		cp := *id
		st.Identities = append(st.Identities, &cp)
	}
	sort.Slice(st.Identities, func(i, j int) bool { return st.Identities[i].DID < st.Identities[j].DID })
	for did, name := range snap.sponsors {
		st.Sponsors[did] = name
	}
	return st
}

// Restore replaces the registry state with st. Every identity must carry a
// well-formed DID matching its public key.
func (r *Registry) Restore(st *State) error {
	next := &snapshot{
		identities: make(map[string]*Identity, len(st.Identities)),
		sponsors:   make(map[string]string, len(st.Sponsors)),
	}
	for _, id := range st.Identities {
		want, err := meshcrypto.DeriveDID(id.PublicKey)
		if err != nil {
			return fmt.Errorf("restore %s: %w", id.DID, err)
		}
		if want != id.DID {
			return fmt.Errorf("%w: DID %s does not match its public key", ErrInvalidKey, id.DID)
		}
		cp := *id
		next.identities[id.DID] = &cp
	}
	for did, name := range st.Sponsors {
		next.sponsors[did] = name
	}

	r.mu.Lock()
	r.snap.Store(next)
	r.mu.Unlock()
	return nil
}

// IssueCredential signs a credential for did carrying caps. The requested
// capabilities must be a subset of the identity's current effective set.
// A zero ttl uses the configured default.
func (r *Registry) IssueCredential(did string, caps []string, ttl time.Duration) (*Credential, error) {
	id, err := r.Get(did)
	if err != nil {
		return nil, err
	}
	if err := statusError(id.Status); err != nil {
		return nil, err
	}
	caps = capability.Normalize(caps)
	if !capability.Subset(caps, id.Capabilities) {
		return nil, fmt.Errorf("%w: requested capabilities exceed identity grant for %s", ErrCapabilityEscalation, did)
	}
	if ttl <= 0 {
		ttl = r.cfg.CredentialTTL
	}

	now := r.now().UTC()
	cred := &Credential{
		DID:          did,
		Capabilities: caps,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}
	body, err := meshcrypto.Canonical(cred.signingBody())
	if err != nil {
		return nil, fmt.Errorf("canonicalize credential: %w", err)
	}
	cred.Signature = meshcrypto.Sign(r.authorityKey, body)
	return cred, nil
}

// VerifyCredential checks a credential's signature against the authority key,
// its expiry, and that the bound identity is still active.
func (r *Registry) VerifyCredential(cred *Credential) error {
	body, err := meshcrypto.Canonical(cred.signingBody())
	if err != nil {
		return fmt.Errorf("canonicalize credential: %w", err)
	}
	if !meshcrypto.Verify(r.authorityPub, body, cred.Signature) {
		return fmt.Errorf("%w: credential for %s", ErrBadSignature, cred.DID)
	}
	if cred.Expired(r.now()) {
		return fmt.Errorf("%w: credential for %s expired at %s", ErrExpired, cred.DID, cred.ExpiresAt.Format(time.RFC3339))
	}
	id, err := r.Get(cred.DID)
	if err != nil {
		return err
	}
	return statusError(id.Status)
}

// Revoke marks an identity revoked. Idempotent: the first call transitions
// the identity and returns true; subsequent calls return false. All
// credentials and outgoing delegations from this DID fail future
// verifications; tearing down live sessions is a transport concern.
func (r *Registry) Revoke(did, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	id, ok := snap.identities[did]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAgent, did)
	}
	if id.Status == StatusRevoked {
		return false, nil
	}

	next := snap.clone()
	now := r.now().UTC()
	rec := next.identities[did]
	rec.Status = StatusRevoked
	rec.RevokedAt = &now
	rec.RevokeReason = reason
	r.snap.Store(next)

	r.logger.Warn("identity revoked",
		zap.String("did", did),
		zap.String("reason", reason),
	)
	return true, nil
}

// Suspend temporarily disables an identity without destroying it.
func (r *Registry) Suspend(did string) error {
	return r.setStatus(did, StatusSuspended, StatusActive)
}

// Reinstate reactivates a suspended identity. Revoked identities stay revoked.
func (r *Registry) Reinstate(did string) error {
	return r.setStatus(did, StatusActive, StatusSuspended)
}

func (r *Registry) setStatus(did string, to, from Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	id, ok := snap.identities[did]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, did)
	}
	if id.Status == StatusRevoked {
		return fmt.Errorf("%w: %s", ErrRevoked, did)
	}
	if id.Status != from {
		return fmt.Errorf("identity %s is %s, expected %s", did, id.Status, from)
	}

	next := snap.clone()
	next.identities[did].Status = to
	r.snap.Store(next)
	return nil
}

// statusError maps a non-active status to its sentinel error.
func statusError(s Status) error {
	switch s {
	case StatusRevoked:
		return ErrRevoked
	case StatusSuspended:
		return ErrSuspended
	default:
		return nil
	}
}
