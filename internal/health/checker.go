// Package health runs periodic integrity checks over the audit log and
// tracks the daemon's health state for the readiness endpoint.
package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds checker configuration.
type Config struct {
	CheckInterval time.Duration // default 5m
	CheckTimeout  time.Duration // default 30s
	FailThreshold int           // consecutive failures before degraded, default 3
}

// Verifier re-checks the audit chain over a sequence range.
type Verifier interface {
	VerifyChain(ctx context.Context, from, to uint64) error
	Len() uint64
}

// DispatchFunc is an optional callback for dispatching degraded events.
type DispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// Status is the checker's current view of the audit log.
type Status struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Failures    int       `json:"consecutive_failures,omitempty"`
}

// EventIntegrityDegraded is dispatched when the fail threshold is reached.
const EventIntegrityDegraded = "audit.integrity_degraded"

// Checker periodically re-verifies the audit hash chain. A tampered or
// unreadable log flips the status to unhealthy; recovery flips it back.
type Checker struct {
	verifier   Verifier
	cfg        Config
	onDispatch DispatchFunc
	logger     *zap.Logger

	mu       sync.Mutex
	status   Status
	failures int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a Checker.
func New(verifier Verifier, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
		status:   Status{Healthy: true},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetDispatch configures the degraded-event callback.
func (c *Checker) SetDispatch(fn DispatchFunc) {
	c.onDispatch = fn
}

// Start launches the background check loop.
func (c *Checker) Start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RunCheck(context.Background())
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the check loop.
func (c *Checker) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

// RunCheck performs one full-chain verification and updates the status.
func (c *Checker) RunCheck(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	err := c.verifier.VerifyChain(ctx, 0, c.verifier.Len())
	now := time.Now().UTC()

	c.mu.Lock()
	c.status.LastChecked = now
	if err == nil {
		if c.failures > 0 {
			c.logger.Info("audit integrity recovered", zap.Int("after_failures", c.failures))
		}
		c.failures = 0
		c.status.Healthy = true
		c.status.LastError = ""
		c.status.Failures = 0
		st := c.status
		c.mu.Unlock()
		return st
	}

	c.failures++
	c.status.LastError = err.Error()
	c.status.Failures = c.failures
	degraded := c.failures >= c.cfg.FailThreshold
	if degraded {
		c.status.Healthy = false
	}
	st := c.status
	c.mu.Unlock()

	c.logger.Error("audit integrity check failed",
		zap.Error(err),
		zap.Int("consecutive_failures", st.Failures),
	)
	if degraded && c.onDispatch != nil {
		c.onDispatch(ctx, EventIntegrityDegraded, map[string]string{
			"error":    err.Error(),
			"failures": strconv.Itoa(st.Failures),
			"at":       now.Format(time.RFC3339),
		})
	}
	return st
}

// Current returns the latest status without running a check.
func (c *Checker) Current() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
