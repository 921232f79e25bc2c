package identity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRotationLead is how long before expiry a tracked credential is
// re-issued when the caller does not configure a lead time.
const DefaultRotationLead = 5 * time.Minute

// RenewFunc receives each freshly rotated credential. The previous credential
// stays valid until its own expiry, so rotation is zero-downtime: callers may
// keep using the old credential while switching to the new one.
type RenewFunc func(old, renewed *Credential)

// Rotator re-issues tracked credentials before they expire.
type Rotator struct {
	reg      *Registry
	lead     time.Duration
	interval time.Duration
	onRenew  RenewFunc
	logger   *zap.Logger

	mu      sync.Mutex
	tracked map[string]*Credential // keyed by DID
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRotator creates a Rotator. lead defaults to DefaultRotationLead and the
// sweep interval defaults to one minute.
func NewRotator(reg *Registry, lead, interval time.Duration, onRenew RenewFunc, logger *zap.Logger) *Rotator {
	if lead <= 0 {
		lead = DefaultRotationLead
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{
		reg:      reg,
		lead:     lead,
		interval: interval,
		onRenew:  onRenew,
		logger:   logger,
		tracked:  make(map[string]*Credential),
	}
}

// Track registers a credential for background rotation. A later Track for the
// same DID replaces the tracked credential.
func (ro *Rotator) Track(cred *Credential) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.tracked[cred.DID] = cred
}

// Untrack stops rotating the credential for did.
func (ro *Rotator) Untrack(did string) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	delete(ro.tracked, did)
}

// Start launches the background sweep. It returns immediately; Stop (or
// cancelling the context) terminates the goroutine.
func (ro *Rotator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ro.mu.Lock()
	ro.cancel = cancel
	ro.done = make(chan struct{})
	done := ro.done
	ro.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(ro.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ro.sweep()
			}
		}
	}()
}

// Stop terminates the background sweep and waits for it to exit.
func (ro *Rotator) Stop() {
	ro.mu.Lock()
	cancel, done := ro.cancel, ro.done
	ro.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RotateNow immediately re-issues the tracked credential for did with the
// same capability set and the registry's configured TTL.
func (ro *Rotator) RotateNow(did string) (*Credential, error) {
	ro.mu.Lock()
	old, ok := ro.tracked[did]
	ro.mu.Unlock()
	if !ok {
		return nil, ErrUnknownAgent
	}
	return ro.rotate(old)
}

// sweep re-issues every tracked credential whose remaining TTL is below the
// rotation lead.
func (ro *Rotator) sweep() {
	now := ro.reg.now()

	ro.mu.Lock()
	var due []*Credential
	for _, cred := range ro.tracked {
		if cred.TTLRemaining(now) < ro.lead {
			due = append(due, cred)
		}
	}
	ro.mu.Unlock()

	for _, cred := range due {
		if _, err := ro.rotate(cred); err != nil {
			ro.logger.Warn("credential rotation failed",
				zap.String("did", cred.DID),
				zap.Error(err),
			)
			// Revoked or unknown identities will never rotate again.
			ro.Untrack(cred.DID)
		}
	}
}

func (ro *Rotator) rotate(old *Credential) (*Credential, error) {
	renewed, err := ro.reg.IssueCredential(old.DID, old.Capabilities, 0)
	if err != nil {
		return nil, err
	}

	ro.mu.Lock()
	ro.tracked[old.DID] = renewed
	ro.mu.Unlock()

	ro.logger.Debug("credential rotated",
		zap.String("did", old.DID),
		zap.Time("old_expiry", old.ExpiresAt),
		zap.Time("new_expiry", renewed.ExpiresAt),
	)
	if ro.onRenew != nil {
		ro.onRenew(old, renewed)
	}
	return renewed, nil
}
