package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisPrevHash is the well-known prev hash of the first entry (seq 0).
// All subsequent entry hashes chain from the entry before them.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EventType classifies an audit entry.
type EventType string

const (
	EventRegistration     EventType = "registration"
	EventPolicyEvaluation EventType = "policy_evaluation"
	EventTrustUpdate      EventType = "trust_update"
	EventRevocation       EventType = "revocation"
	EventDelegation       EventType = "delegation"
	EventCustom           EventType = "custom"
)

// Entry is a single record in the audit chain. Payload holds the event
// detail in canonical JSON form so the hash is reproducible from the
// stored record alone.
type Entry struct {
	Seq      uint64          `json:"seq"`
	Time     time.Time       `json:"time"` // wall clock, UTC
	Mono     int64           `json:"mono"` // strictly increasing ordering stamp, ns
	Type     EventType       `json:"type"`
	Actor    string          `json:"actor"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// The payload is already in canonical form when this is called.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s",
		e.Seq, e.Time.Format(time.RFC3339Nano),
		e.Type, e.Actor, e.Payload, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// TamperedError reports the first entry at which chain verification failed.
type TamperedError struct {
	Seq    uint64
	Reason string
}

func (e *TamperedError) Error() string {
	return fmt.Sprintf("audit chain tampered at seq %d: %s", e.Seq, e.Reason)
}
