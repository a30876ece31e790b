package trails

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

const pubKeyPrefix = "ed25519:"

// HubIdentity is the hub's signing keypair. Outbound control frames are
// signed with it when the security tier demands; the public half is
// handed to clients in the registered ack.
type HubIdentity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewHubIdentity generates a fresh keypair.
func NewHubIdentity() (*HubIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &HubIdentity{priv: priv, pub: pub}, nil
}

// LoadHubIdentity reads a 32-byte seed file, generating and persisting
// one when the file does not exist. An empty path yields an ephemeral
// identity.
func LoadHubIdentity(path string) (*HubIdentity, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewHubIdentity()
	}
	seed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		identity, genErr := NewHubIdentity()
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := os.WriteFile(path, identity.priv.Seed(), 0o600); writeErr != nil {
			return nil, writeErr
		}
		return identity, nil
	}
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: key file %s is not a %d-byte seed", ErrInvalidInput, path, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &HubIdentity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyString is the wire encoding of the hub's public key.
func (h *HubIdentity) PublicKeyString() string {
	return EncodePublicKey(h.pub)
}

// Sign produces a detached signature over data.
func (h *HubIdentity) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(h.priv, data))
}

// EncodePublicKey renders a raw key as "ed25519:<base64>".
func EncodePublicKey(pub ed25519.PublicKey) string {
	return pubKeyPrefix + base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the "ed25519:<base64>" wire encoding.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if !strings.HasPrefix(encoded, pubKeyPrefix) {
		return nil, fmt.Errorf("%w: public key missing %q prefix", ErrInvalidInput, pubKeyPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, pubKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: public key base64: %v", ErrInvalidInput, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidInput, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyDetached checks a base64 detached signature against an encoded
// public key.
func VerifyDetached(encodedKey, sig string, data []byte) error {
	pub, err := DecodePublicKey(encodedKey)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return fmt.Errorf("%w: signature base64: %v", ErrSignatureInvalid, err)
	}
	if !ed25519.Verify(pub, data, raw) {
		return ErrSignatureInvalid
	}
	return nil
}
