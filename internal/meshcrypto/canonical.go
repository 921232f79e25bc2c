package meshcrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical serializes v as RFC 8785 canonical JSON: sorted keys, no
// insignificant whitespace, canonical number representation. All AgentMesh
// hashing and signing of structured data operates on this exact byte form;
// changing it is a breaking change to the audit chain and credential formats.
func Canonical(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canon, nil
}

// SumHex returns the lowercase hex SHA-256 digest of data.
func SumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalSum canonicalizes v and returns the hex SHA-256 of the result.
func CanonicalSum(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return SumHex(canon), nil
}
