package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CloudEvents v1.0 export. Each entry becomes one envelope with the chain
// position carried in agentmesh* extension attributes, so a downstream
// consumer can detect gaps and re-verify hashes without the daemon.

const (
	// EnvelopeSpecVersion is the CloudEvents spec version emitted.
	EnvelopeSpecVersion = "1.0"

	// EnvelopeTypePrefix prefixes the entry's event type in the envelope.
	EnvelopeTypePrefix = "ai.agentmesh."

	// EnvelopeSourceFallback is the event source when an entry has no
	// actor DID.
	EnvelopeSourceFallback = "/agentmesh/audit"
)

// Envelope is a CloudEvents v1.0 structured-mode event carrying one audit
// entry.
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	ID              string          `json:"id"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`

	// Extension attributes. CloudEvents requires lowercase alphanumeric
	// extension names.
	Seq      uint64 `json:"agentmeshseq"`
	Hash     string `json:"agentmeshhash"`
	PrevHash string `json:"agentmeshprevhash"`
}

// ToEnvelope wraps an entry in a CloudEvents envelope. The actor DID is
// the event source, and the entry hash doubles as the event id, which
// keeps re-exports idempotent.
func ToEnvelope(e *Entry) *Envelope {
	source := e.Actor
	if source == "" {
		source = EnvelopeSourceFallback
	}
	return &Envelope{
		SpecVersion:     EnvelopeSpecVersion,
		Type:            EnvelopeTypePrefix + string(e.Type),
		Source:          source,
		ID:              e.Hash,
		Time:            e.Time,
		DataContentType: "application/json",
		Data:            e.Payload,
		Seq:             e.Seq,
		Hash:            e.Hash,
		PrevHash:        e.PrevHash,
	}
}

// Export streams envelopes for every entry with seq >= since. Consumers
// resume after a disconnect by passing the last seq they processed plus
// one.
func (l *Log) Export(ctx context.Context, since uint64, fn func(*Envelope) error) error {
	return l.storage.Scan(ctx, since, func(e *Entry) error {
		return fn(ToEnvelope(e))
	})
}

// ParseEnvelope decodes and validates an exported envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.SpecVersion != EnvelopeSpecVersion {
		return nil, fmt.Errorf("unsupported specversion %q", env.SpecVersion)
	}
	if !strings.HasPrefix(env.Type, EnvelopeTypePrefix) {
		return nil, fmt.Errorf("unexpected event type %q", env.Type)
	}
	if env.Hash == "" || env.ID != env.Hash {
		return nil, fmt.Errorf("envelope id %q does not match entry hash %q", env.ID, env.Hash)
	}
	return env, nil
}

// EntryType recovers the audit event type from the envelope type.
func (env *Envelope) EntryType() EventType {
	return EventType(strings.TrimPrefix(env.Type, EnvelopeTypePrefix))
}
