package security

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// Signer produces detached signatures over SBOM bytes. The key source is
// injected by the caller.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Ed25519Signer signs with an injected ed25519 private key and renders the
// signature as hex text, one line.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer wraps a seed or full private key.
func NewEd25519Signer(key []byte) (*Ed25519Signer, error) {
	switch len(key) {
	case ed25519.SeedSize:
		return &Ed25519Signer{key: ed25519.NewKeyFromSeed(key)}, nil
	case ed25519.PrivateKeySize:
		return &Ed25519Signer{key: ed25519.PrivateKey(key)}, nil
	default:
		return nil, contracts.E(contracts.KindValidation, "signing key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(key))
	}
}

// Sign returns the detached signature for data.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	sig := ed25519.Sign(s.key, data)
	return []byte(hex.EncodeToString(sig) + "\n"), nil
}

// PublicKey exposes the verification key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// VerifyDetached checks a hex signature produced by Sign.
func VerifyDetached(pub ed25519.PublicKey, data, signature []byte) error {
	raw, err := hex.DecodeString(trimNewline(string(signature)))
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	if !ed25519.Verify(pub, data, raw) {
		return contracts.E(contracts.KindValidation, "signature does not verify")
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
