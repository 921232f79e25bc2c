// Package client provides the AgentMesh Go SDK for registering agents,
// evaluating actions, recording trust signals, and querying the audit
// log over the meshd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError is returned for non-2xx responses from the mesh.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mesh API error %d: %s", e.StatusCode, e.Message)
}

// Client is the AgentMesh SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	adminSecret string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a credential bearer token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithAdminSecret enables the admin endpoints (revoke, suspend, policy
// management, approvals, experiments, webhooks).
func WithAdminSecret(secret string) Option {
	return func(c *Client) error {
		c.adminSecret = secret
		return nil
	}
}

// WithTimeout sets the request timeout, overriding the 10 second default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client connected to base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// do sends one JSON request and decodes the response into out (skipped
// when out is nil).
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.adminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.adminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = string(raw)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ── Identity ─────────────────────────────────────────────────────────────

// RegisterAgent registers a public key and returns the DID, the initial
// credential, and a bearer token.
func (c *Client) RegisterAgent(ctx context.Context, publicKey, sponsor string, capabilities []string) (*RegisterResult, error) {
	var out RegisterResult
	err := c.do(ctx, http.MethodPost, "/api/v1/agents", map[string]any{
		"public_key":   publicKey,
		"sponsor":      sponsor,
		"capabilities": capabilities,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent fetches one identity record.
func (c *Client) GetAgent(ctx context.Context, did string) (*Agent, error) {
	var out Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(did), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents returns every registered identity.
func (c *Client) ListAgents(ctx context.Context) ([]*Agent, error) {
	var out struct {
		Agents []*Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// IssueCredential issues a fresh scoped credential for an agent. A zero
// ttlSeconds takes the server default.
func (c *Client) IssueCredential(ctx context.Context, did string, capabilities []string, ttlSeconds int) (*CredentialResult, error) {
	var out CredentialResult
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(did)+"/credentials", map[string]any{
		"capabilities": capabilities,
		"ttl_seconds":  ttlSeconds,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeAgent permanently revokes an identity. Requires the admin secret.
func (c *Client) RevokeAgent(ctx context.Context, did, reason string) (bool, error) {
	var out struct {
		Revoked bool `json:"revoked"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(did)+"/revoke",
		map[string]any{"reason": reason}, &out)
	return out.Revoked, err
}

// ── Policy ───────────────────────────────────────────────────────────────

// LoadPolicy uploads a YAML or JSON policy document. Requires the admin
// secret.
func (c *Client) LoadPolicy(ctx context.Context, document []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/policies", bytes.NewReader(document))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/yaml")
	if c.adminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.adminSecret)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("load policy: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	}
	var out struct {
		PolicyID string `json:"policy_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.PolicyID, nil
}

// Evaluate asks the mesh whether an agent may perform an action.
func (c *Client) Evaluate(ctx context.Context, did string, reqCtx map[string]any, wait bool) (*EvaluateResult, error) {
	var out EvaluateResult
	err := c.do(ctx, http.MethodPost, "/api/v1/evaluate", map[string]any{
		"did":     did,
		"context": reqCtx,
		"wait":    wait,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveApproval records a verdict on a pending approval. Requires the
// admin secret.
func (c *Client) ResolveApproval(ctx context.Context, approvalID string, approved bool) error {
	return c.do(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(approvalID)+"/resolve",
		map[string]any{"approved": approved}, nil)
}

// ── Trust ────────────────────────────────────────────────────────────────

// TrustScore returns an agent's current trust snapshot.
func (c *Client) TrustScore(ctx context.Context, did string) (*TrustScore, error) {
	var out struct {
		Score TrustScore `json:"score"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/trust/"+url.PathEscape(did), nil, &out); err != nil {
		return nil, err
	}
	return &out.Score, nil
}

// RecordSignal submits one behavioral trust signal and returns the updated
// snapshot.
func (c *Client) RecordSignal(ctx context.Context, signal *Signal) (*TrustScore, error) {
	var out struct {
		Score TrustScore `json:"score"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/trust/signals", signal, &out); err != nil {
		return nil, err
	}
	return &out.Score, nil
}

// ── Audit ────────────────────────────────────────────────────────────────

// AuditRoot returns the current Merkle root, head hash, and log size.
func (c *Client) AuditRoot(ctx context.Context) (*AuditRoot, error) {
	var out AuditRoot
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit/root", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditEntries queries the audit log. Zero-valued filter fields match
// everything.
func (c *Client) AuditEntries(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := url.Values{}
	if f.Actor != "" {
		q.Set("actor", f.Actor)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if !f.From.IsZero() {
		q.Set("from", f.From.Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	path := "/api/v1/audit/entries"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Entries []*AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// AuditProof fetches the inclusion proof for one entry along with the
// current root.
func (c *Client) AuditProof(ctx context.Context, seq uint64) (*AuditProof, error) {
	var out AuditProof
	path := fmt.Sprintf("/api/v1/audit/entries/%d/proof", seq)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyAudit asks the daemon to re-walk its hash chain.
func (c *Client) VerifyAudit(ctx context.Context) (*AuditVerification, error) {
	var out AuditVerification
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
