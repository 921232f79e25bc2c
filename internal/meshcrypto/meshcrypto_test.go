package meshcrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestDeriveDID_deterministic(t *testing.T) {
	pub, _, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	did1, err := DeriveDID(pub)
	if err != nil {
		t.Fatal(err)
	}
	did2, _ := DeriveDID(pub)
	if did1 != did2 {
		t.Errorf("DID derivation not deterministic: %q vs %q", did1, did2)
	}

	sum := sha256.Sum256(pub)
	want := DIDPrefix + hex.EncodeToString(sum[:])[:32]
	if did1 != want {
		t.Errorf("DeriveDID: got %q, want %q", did1, want)
	}
}

func TestDeriveDID_rejectsShortKey(t *testing.T) {
	if _, err := DeriveDID([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for malformed key, got nil")
	}
}

func TestValidDID(t *testing.T) {
	pub, _, _ := GenerateKeypair()
	did, _ := DeriveDID(pub)

	if !ValidDID(did) {
		t.Errorf("ValidDID(%q) = false, want true", did)
	}
	for _, bad := range []string{
		"",
		"did:web:abc",
		"did:mesh:short",
		DIDPrefix + strings.Repeat("G", 32), // non-hex
		DIDPrefix + strings.Repeat("a", 31),
		DIDPrefix + strings.Repeat("a", 33),
	} {
		if ValidDID(bad) {
			t.Errorf("ValidDID(%q) = true, want false", bad)
		}
	}
}

func TestEncodeDecodeKey_roundTrip(t *testing.T) {
	pub, _, _ := GenerateKeypair()

	decoded, err := DecodeKey(EncodeKey(pub))
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(decoded) {
		t.Error("decoded key does not match original")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, _ := GenerateKeypair()
	msg := []byte("authorize read:data")

	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Error("valid signature rejected")
	}

	// Corrupting any byte must flip verification.
	for i := range sig {
		mutated := make([]byte, len(sig))
		copy(mutated, sig)
		mutated[i] ^= 0x01
		if Verify(pub, msg, mutated) {
			t.Fatalf("corrupted signature (byte %d) accepted", i)
		}
	}

	if Verify(pub, []byte("other message"), sig) {
		t.Error("signature accepted for different message")
	}
}

func TestCanonical_sortedKeysNoWhitespace(t *testing.T) {
	got, err := Canonical(map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true, "y": "s"}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"b":2,"nested":{"y":"s","z":true}}`
	if string(got) != want {
		t.Errorf("Canonical: got %s, want %s", got, want)
	}
}

func TestCanonical_nilPayload(t *testing.T) {
	got, err := Canonical(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "null" {
		t.Errorf("Canonical(nil): got %s, want null", got)
	}
}

func TestCanonicalSum_stableAcrossKeyOrder(t *testing.T) {
	a, err := CanonicalSum(map[string]any{"x": 1, "y": "two"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := CanonicalSum(map[string]any{"y": "two", "x": 1})
	if a != b {
		t.Errorf("canonical hash differs across key order: %q vs %q", a, b)
	}
}
