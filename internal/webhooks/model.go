package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event types dispatched by the mesh.
const (
	EventAgentRegistered = "agent.registered"
	EventAgentRevoked    = "agent.revoked"
	EventTrustRevocation = "trust.revocation"
	EventDelegation      = "delegation.created"
)

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"` // never returned in API responses
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// wants reports whether the subscription covers eventType. A subscription
// with the single event "*" covers everything.
func (s *Subscription) wants(eventType string) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == "*" || e == eventType {
			return true
		}
	}
	return false
}

// Event is the JSON body delivered to subscribers.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// CreateSubscriptionRequest is the payload for creating a subscription.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url"    binding:"required,url"`
	Events []string `json:"events" binding:"required"`
}
