package trails

import (
	"path/filepath"
	"testing"
)

func TestPublicKeyRoundTrip(t *testing.T) {
	identity, err := NewHubIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	encoded := identity.PublicKeyString()
	decoded, err := DecodePublicKey(encoded)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if EncodePublicKey(decoded) != encoded {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecodePublicKeyRejectsBadInput(t *testing.T) {
	for _, input := range []string{"", "rsa:abcd", "ed25519:not-base64!!", "ed25519:aGVsbG8="} {
		if _, err := DecodePublicKey(input); err == nil {
			t.Fatalf("expected %q to be rejected", input)
		}
	}
}

func TestVerifyDetached(t *testing.T) {
	identity, err := NewHubIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	data := []byte("payload under test")
	sig := identity.Sign(data)
	if err := VerifyDetached(identity.PublicKeyString(), sig, data); err != nil {
		t.Fatalf("expected signature to verify: %v", err)
	}
	if err := VerifyDetached(identity.PublicKeyString(), sig, []byte("tampered")); err == nil {
		t.Fatalf("expected tampered payload to fail verification")
	}
	other, _ := NewHubIdentity()
	if err := VerifyDetached(other.PublicKeyString(), sig, data); err == nil {
		t.Fatalf("expected wrong key to fail verification")
	}
}

func TestLoadHubIdentityPersistsSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.key")
	first, err := LoadHubIdentity(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := LoadHubIdentity(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.PublicKeyString() != second.PublicKeyString() {
		t.Fatalf("identity changed across loads")
	}
}
