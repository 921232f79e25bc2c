// Package mesh wires the identity registry, policy engine, audit log, and
// trust engine into the governance request flow: an action is evaluated
// against policy, the decision is audited, and a compliance signal feeds
// the acting agent's trust score. Trust crossings below the revocation
// threshold flow back into the registry as revocations.
package mesh

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/internal/threat"
	"github.com/agentmesh/agentmesh/internal/trust"
	"github.com/agentmesh/agentmesh/internal/webhooks"
)

// ErrRegistrationRejected is returned when the threat screener scores a
// registration request as critical risk.
var ErrRegistrationRejected = errors.New("registration rejected by risk screening")

// Notifier receives lifecycle events for out-of-process consumers. It
// must not block; deliveries happen outside the mesh's critical path.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Mesh is the governance facade. It owns the lifecycle of the components
// it is constructed with.
type Mesh struct {
	registry *identity.Registry
	policy   *policy.Engine
	audit    *audit.Log
	trust    *trust.Engine
	screener threat.Scorer
	notifier Notifier
	logger   *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New assembles a Mesh and registers the trust-to-identity revocation
// loop: when an agent's composite crosses below the revocation threshold,
// its identity is revoked and the event is audited.
func New(reg *identity.Registry, pol *policy.Engine, aud *audit.Log, tr *trust.Engine, logger *zap.Logger) *Mesh {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mesh{
		registry: reg,
		policy:   pol,
		audit:    aud,
		trust:    tr,
		screener: threat.NewRuleBasedScorer(),
		logger:   logger,
	}

	tr.OnRevocation(func(ctx context.Context, did string, composite int, reason string) error {
		changed, err := reg.Revoke(did, reason)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		_, err = aud.Append(ctx, audit.EventRevocation, did, map[string]any{
			"did":       did,
			"composite": composite,
			"reason":    reason,
		})
		if err != nil {
			return err
		}
		m.notify(ctx, webhooks.EventTrustRevocation, map[string]string{
			"did":       did,
			"composite": strconv.Itoa(composite),
			"reason":    reason,
		})
		return nil
	})
	tr.Start()
	return m
}

// SetNotifier wires a lifecycle event consumer. Call before serving
// traffic; the field is not guarded.
func (m *Mesh) SetNotifier(n Notifier) {
	m.notifier = n
}

func (m *Mesh) notify(ctx context.Context, eventType string, payload map[string]string) {
	if m.notifier != nil {
		m.notifier.Dispatch(ctx, eventType, payload)
	}
}

// Registry exposes the identity component.
func (m *Mesh) Registry() *identity.Registry { return m.registry }

// Policy exposes the policy engine.
func (m *Mesh) Policy() *policy.Engine { return m.policy }

// Audit exposes the audit log.
func (m *Mesh) Audit() *audit.Log { return m.audit }

// Trust exposes the trust engine.
func (m *Mesh) Trust() *trust.Engine { return m.trust }

// Authorize runs the full decision flow for one attempted action: policy
// evaluation, audit append, and a policy-compliance trust signal. The
// agent's current tier is injected into the evaluation context under
// "agent" so policies can condition on it.
func (m *Mesh) Authorize(ctx context.Context, did string, reqCtx map[string]any) (*policy.Decision, error) {
	ident, err := m.registry.Get(did)
	if err != nil {
		return nil, err
	}

	if reqCtx == nil {
		reqCtx = map[string]any{}
	}
	if _, ok := reqCtx["agent"]; !ok {
		agentCtx := map[string]any{
			"did":    did,
			"status": string(ident.Status),
		}
		if snap, err := m.trust.Score(did); err == nil {
			agentCtx["tier"] = string(snap.Tier)
			agentCtx["composite"] = snap.Composite
		}
		reqCtx["agent"] = agentCtx
	}

	d := m.policy.Evaluate(ctx, did, reqCtx)

	if _, err := m.audit.Append(ctx, audit.EventPolicyEvaluation, did, map[string]any{
		"allowed":      d.Allowed,
		"action":       string(d.Action),
		"matched_rule": d.MatchedRule,
		"policy":       d.PolicyName,
		"reason":       d.Reason,
		"context":      reqCtx,
	}); err != nil {
		return nil, err
	}

	if err := m.trust.RecordPolicyCompliance(did, d.Allowed, d.PolicyName); err != nil &&
		!errors.Is(err, trust.ErrUnknownAgent) {
		return nil, err
	}
	return d, nil
}

// Register screens the request for risk indicators, adds the agent
// identity, and audits the registration. Critical-risk requests are
// rejected before an identity is minted.
func (m *Mesh) Register(ctx context.Context, pub ed25519.PublicKey, sponsor string, caps []string) (string, *identity.Credential, error) {
	report, err := m.screener.Score(ctx, sponsor, caps)
	if err != nil {
		return "", nil, err
	}
	if report.Rejected {
		m.logger.Warn("registration rejected by risk screening",
			zap.String("sponsor", sponsor),
			zap.Strings("capabilities", caps),
			zap.Int("risk_score", report.Score),
		)
		return "", nil, ErrRegistrationRejected
	}

	did, cred, err := m.registry.Register(pub, sponsor, caps)
	if err != nil {
		return "", nil, err
	}
	payload := map[string]any{
		"did":          did,
		"sponsor":      sponsor,
		"capabilities": caps,
	}
	if report.Score > 0 {
		payload["risk_score"] = report.Score
		payload["risk_severity"] = report.Severity
	}
	if _, aerr := m.audit.Append(ctx, audit.EventRegistration, did, payload); aerr != nil {
		return "", nil, aerr
	}
	m.notify(ctx, webhooks.EventAgentRegistered, map[string]string{
		"did":          did,
		"sponsor":      sponsor,
		"capabilities": strings.Join(caps, ","),
	})
	return did, cred, nil
}

// Delegate creates a capability-narrowing delegation link and audits it.
// An attempted capability escalation is logged at warn and counted against
// the issuer's security posture before the error is returned.
func (m *Mesh) Delegate(ctx context.Context, issuerCred *identity.Credential, issuerKey ed25519.PrivateKey, chain identity.Chain, subjectDID string, caps []string, ttl time.Duration) (*identity.DelegationLink, error) {
	link, err := m.registry.Delegate(issuerCred, issuerKey, chain, subjectDID, caps, ttl)
	if err != nil {
		if errors.Is(err, identity.ErrCapabilityEscalation) {
			m.logger.Warn("capability escalation attempt",
				zap.String("issuer", issuerCred.DID),
				zap.String("subject", subjectDID),
				zap.Strings("requested", caps),
			)
			if serr := m.trust.RecordSecurityEvent(issuerCred.DID, false, "capability_escalation"); serr != nil &&
				!errors.Is(serr, trust.ErrUnknownAgent) {
				m.logger.Error("security signal failed", zap.Error(serr))
			}
		}
		return nil, err
	}

	if _, aerr := m.audit.Append(ctx, audit.EventDelegation, issuerCred.DID, map[string]any{
		"issuer":       issuerCred.DID,
		"subject":      subjectDID,
		"capabilities": link.Capabilities,
		"expires_at":   link.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"hash":         link.Hash,
	}); aerr != nil {
		return nil, aerr
	}
	m.notify(ctx, webhooks.EventDelegation, map[string]string{
		"issuer":       issuerCred.DID,
		"subject":      subjectDID,
		"capabilities": strings.Join(link.Capabilities, ","),
		"hash":         link.Hash,
	})
	return link, nil
}

// Revoke marks an identity revoked and audits the event. Revoking an
// already revoked agent is a no-op and is not re-audited.
func (m *Mesh) Revoke(ctx context.Context, did, reason string) (bool, error) {
	changed, err := m.registry.Revoke(did, reason)
	if err != nil || !changed {
		return changed, err
	}
	if _, aerr := m.audit.Append(ctx, audit.EventRevocation, did, map[string]any{
		"did":    did,
		"reason": reason,
	}); aerr != nil {
		return true, aerr
	}
	m.notify(ctx, webhooks.EventAgentRevoked, map[string]string{
		"did":    did,
		"reason": reason,
	})
	return true, nil
}

// Close shuts the components down in dependency order: trust first so no
// more signals or revocations are produced, then policy, then the audit
// log's storage.
func (m *Mesh) Close() error {
	m.closeOnce.Do(func() {
		m.trust.Close()
		m.policy.Close()
		m.closeErr = m.audit.Close()
	})
	return m.closeErr
}
