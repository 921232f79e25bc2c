package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultEvalTimeout bounds a single Evaluate call. Exceeding it yields a
// deny decision with reason "evaluation_timeout", never an error.
const DefaultEvalTimeout = 5 * time.Millisecond

// ReasonEvaluationTimeout is the decision reason when evaluation ran out of time.
const ReasonEvaluationTimeout = "evaluation_timeout"

// Decision is the result of evaluating an agent action against the loaded
// policy set.
type Decision struct {
	Allowed        bool      `json:"allowed"`
	Action         Action    `json:"action"`
	MatchedRule    string    `json:"matched_rule,omitempty"`
	PolicyName     string    `json:"policy_name,omitempty"`
	Reason         string    `json:"reason"`
	Approvers      []string  `json:"approvers,omitempty"`
	RateLimited    bool      `json:"rate_limited,omitempty"`
	RateLimitReset time.Time `json:"rate_limit_reset,omitzero"`
	EvaluationMs   float64   `json:"evaluation_ms"`
}

// compiledRule pairs a document rule with its compiled condition and sort keys.
type compiledRule struct {
	rule        *Rule
	cond        Expr
	limit       *Limit
	policyName  string
	policyID    string
	policyOrder int
	ruleOrder   int
}

// compiledPolicy is an immutable loaded policy.
type compiledPolicy struct {
	id       string
	doc      *Document
	order    int
	rules    []*compiledRule
	wildcard bool
}

// policySnapshot is the immutable state Evaluate reads.
type policySnapshot struct {
	policies []*compiledPolicy // in load order
}

// Config holds Engine tunables.
type Config struct {
	EvalTimeout   time.Duration // default 5ms
	DefaultAction Action        // engine-level fallback, default deny
}

// Engine evaluates (agent, context) pairs against loaded policies.
type Engine struct {
	mu        sync.Mutex // serialises Load/Unload
	snap      atomic.Pointer[policySnapshot]
	limiter   *slidingLimiter
	cfg       Config
	loadOrder int
	logger    *zap.Logger

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// NewEngine creates an empty policy engine.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultEvalTimeout
	}
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = ActionDeny
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		limiter:     newSlidingLimiter(),
		cfg:         cfg,
		logger:      logger,
		janitorStop: make(chan struct{}),
	}
	e.snap.Store(&policySnapshot{})

	// Rate-limit windows whose hits have fully elapsed are evicted in the
	// background rather than on the evaluation path.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-e.janitorStop:
				return
			case <-ticker.C:
				e.limiter.evict()
			}
		}
	}()
	return e
}

// Close stops the engine's background eviction.
func (e *Engine) Close() {
	e.janitorOnce.Do(func() { close(e.janitorStop) })
}

// Load parses, compiles, and registers a policy document, returning its
// policy id. Loading a document whose name matches an existing policy
// replaces that policy atomically.
func (e *Engine) Load(data []byte) (string, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return "", err
	}
	return e.LoadDocument(doc)
}

// LoadDocument registers an already-parsed document.
func (e *Engine) LoadDocument(doc *Document) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cp := &compiledPolicy{
		id:       uuid.New().String(),
		doc:      doc,
		order:    e.loadOrder,
		wildcard: doc.Wildcard(),
	}
	e.loadOrder++

	for i := range doc.Rules {
		r := &doc.Rules[i]
		cond, err := ParseCondition(r.Condition)
		if err != nil {
			// Validate already parsed every condition; a failure here means
			// the document was mutated after validation.
			return "", fmt.Errorf("%w: rule %q: %v", ErrPolicyInvalid, r.Name, err)
		}
		cr := &compiledRule{
			rule:        r,
			cond:        cond,
			policyName:  doc.Name,
			policyID:    cp.id,
			policyOrder: cp.order,
			ruleOrder:   i,
		}
		if r.Limit != "" {
			lim, err := ParseLimit(r.Limit)
			if err != nil {
				return "", fmt.Errorf("%w: rule %q: %v", ErrPolicyInvalid, r.Name, err)
			}
			cr.limit = &lim
		}
		cp.rules = append(cp.rules, cr)
	}

	old := e.snap.Load()
	next := &policySnapshot{policies: make([]*compiledPolicy, 0, len(old.policies)+1)}
	for _, p := range old.policies {
		if p.doc.Name != doc.Name {
			next.policies = append(next.policies, p)
		}
	}
	next.policies = append(next.policies, cp)
	e.snap.Store(next)

	e.logger.Info("policy loaded",
		zap.String("policy", doc.Name),
		zap.String("policy_id", cp.id),
		zap.Int("rules", len(cp.rules)),
	)
	return cp.id, nil
}

// Unload removes a policy by id. Returns false when no such policy is loaded.
func (e *Engine) Unload(policyID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.snap.Load()
	next := &policySnapshot{}
	removed := false
	for _, p := range old.policies {
		if p.id == policyID {
			removed = true
			continue
		}
		next.policies = append(next.policies, p)
	}
	if removed {
		e.snap.Store(next)
	}
	return removed
}

// Policies returns the names of loaded policies in load order.
func (e *Engine) Policies() []string {
	snap := e.snap.Load()
	out := make([]string, 0, len(snap.policies))
	for _, p := range snap.policies {
		out = append(out, p.doc.Name)
	}
	return out
}

// Evaluate selects the policies targeting did, merges their rules sorted by
// (priority, policy load order, rule order), and returns the first match.
// When no rule matches, the governing policy's default_action applies.
// A DID-specific policy governs ahead of a wildcard one; with no governing
// policy at all, the engine default applies.
//
// Evaluate never returns an error for a well-formed call: timeouts and rate
// limits surface as deny decisions.
func (e *Engine) Evaluate(ctx context.Context, did string, reqCtx map[string]any) *Decision {
	start := time.Now()
	deadline := start.Add(e.cfg.EvalTimeout)
	snap := e.snap.Load()

	var selected []*compiledPolicy
	for _, p := range snap.policies {
		if p.doc.Targets(did) {
			selected = append(selected, p)
		}
	}

	var merged []*compiledRule
	for _, p := range selected {
		merged = append(merged, p.rules...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority < b.rule.Priority
		}
		if a.policyOrder != b.policyOrder {
			return a.policyOrder < b.policyOrder
		}
		return a.ruleOrder < b.ruleOrder
	})

	finish := func(d *Decision) *Decision {
		d.EvaluationMs = float64(time.Since(start).Microseconds()) / 1000.0
		return d
	}

	for _, cr := range merged {
		if !cr.rule.IsEnabled() {
			continue
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			e.logger.Warn("policy evaluation timed out",
				zap.String("did", did),
				zap.Duration("timeout", e.cfg.EvalTimeout),
			)
			return finish(&Decision{
				Allowed: false,
				Action:  ActionDeny,
				Reason:  ReasonEvaluationTimeout,
			})
		}
		if !truthy(cr.cond.eval(reqCtx)) {
			continue
		}

		if cr.limit != nil {
			key := cr.policyID + "/" + cr.rule.Name + "/" + did
			ok, reset := e.limiter.allow(key, *cr.limit)
			if !ok {
				return finish(&Decision{
					Allowed:        false,
					Action:         ActionDeny,
					MatchedRule:    cr.rule.Name,
					PolicyName:     cr.policyName,
					Reason:         fmt.Sprintf("rate limit %s exceeded", cr.rule.Limit),
					RateLimited:    true,
					RateLimitReset: reset,
				})
			}
		}

		d := &Decision{
			Allowed:     cr.rule.Action.Allows(),
			Action:      cr.rule.Action,
			MatchedRule: cr.rule.Name,
			PolicyName:  cr.policyName,
			Reason:      matchReason(cr),
		}
		if cr.rule.Action == ActionRequireApproval {
			d.Approvers = cr.rule.Approvers
		}
		return finish(d)
	}

	// No rule matched: the governing policy's default applies.
	if gov := governing(selected); gov != nil {
		return finish(&Decision{
			Allowed:    gov.doc.DefaultAction.Allows(),
			Action:     gov.doc.DefaultAction,
			PolicyName: gov.doc.Name,
			Reason:     fmt.Sprintf("no rule matched; default_action of policy %q", gov.doc.Name),
		})
	}
	return finish(&Decision{
		Allowed: e.cfg.DefaultAction.Allows(),
		Action:  e.cfg.DefaultAction,
		Reason:  "no policy governs this agent; engine default",
	})
}

// governing picks the policy whose default_action applies when nothing
// matches: the first DID-specific policy, else the first selected policy.
func governing(selected []*compiledPolicy) *compiledPolicy {
	for _, p := range selected {
		if !p.wildcard {
			return p
		}
	}
	if len(selected) > 0 {
		return selected[0]
	}
	return nil
}

func matchReason(cr *compiledRule) string {
	if cr.rule.Description != "" {
		return cr.rule.Description
	}
	return fmt.Sprintf("matched rule %q of policy %q", cr.rule.Name, cr.policyName)
}
