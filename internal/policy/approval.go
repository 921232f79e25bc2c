package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// DefaultApprovalTimeout is how long a require_approval decision waits before
// resolving to deny.
const DefaultApprovalTimeout = 30 * time.Second

// ErrApprovalNotFound is returned when resolving an unknown or already
// expired approval.
var ErrApprovalNotFound = errors.New("approval not found or expired")

// Approval is a pending require_approval decision awaiting a human verdict.
type Approval struct {
	ID        string    `json:"id"`
	AgentDID  string    `json:"agent_did"`
	Rule      string    `json:"rule"`
	Policy    string    `json:"policy"`
	Approvers []string  `json:"approvers"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	done chan bool
}

// ApprovalManager tracks pending approvals in a TTL store. Entries that
// reach their timeout without a verdict resolve to deny.
type ApprovalManager struct {
	pending *gocache.Cache
	timeout time.Duration
	logger  *zap.Logger
}

// NewApprovalManager creates an ApprovalManager with the given timeout
// (DefaultApprovalTimeout when zero).
func NewApprovalManager(timeout time.Duration, logger *zap.Logger) *ApprovalManager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalManager{
		pending: gocache.New(timeout, timeout),
		timeout: timeout,
		logger:  logger,
	}
}

// Submit registers a pending approval for a require_approval decision and
// returns it. The caller may Wait on the returned approval.
func (m *ApprovalManager) Submit(did string, d *Decision) *Approval {
	now := time.Now().UTC()
	a := &Approval{
		ID:        uuid.New().String(),
		AgentDID:  did,
		Rule:      d.MatchedRule,
		Policy:    d.PolicyName,
		Approvers: d.Approvers,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
		done:      make(chan bool, 1),
	}
	m.pending.Set(a.ID, a, m.timeout)
	m.logger.Info("approval pending",
		zap.String("approval_id", a.ID),
		zap.String("did", did),
		zap.String("rule", d.MatchedRule),
	)
	return a
}

// Resolve records a verdict for a pending approval. Resolving an expired or
// unknown approval returns ErrApprovalNotFound.
func (m *ApprovalManager) Resolve(id string, approved bool) error {
	v, ok := m.pending.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	a := v.(*Approval)
	m.pending.Delete(id)
	select {
	case a.done <- approved:
	default:
	}
	return nil
}

// Pending returns the not-yet-resolved approvals.
func (m *ApprovalManager) Pending() []*Approval {
	items := m.pending.Items()
	out := make([]*Approval, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(*Approval))
	}
	return out
}

// Wait blocks until the approval is resolved or times out, returning the
// final verdict. A timeout resolves to deny (false).
func (m *ApprovalManager) Wait(a *Approval) bool {
	timer := time.NewTimer(time.Until(a.ExpiresAt))
	defer timer.Stop()
	select {
	case verdict := <-a.done:
		return verdict
	case <-timer.C:
		m.pending.Delete(a.ID)
		m.logger.Warn("approval timed out",
			zap.String("approval_id", a.ID),
			zap.String("did", a.AgentDID),
		)
		return false
	}
}
