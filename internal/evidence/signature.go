package evidence

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/dativo-io/memguard/internal/cryptoutil"
)

const signaturePrefix = "hmac-sha256:"

// Signer signs and verifies audit records with HMAC-SHA256.
type Signer struct {
	key []byte
}

// NewSigner accepts at least 32 raw bytes, or 64+ hex characters that
// decode to at least 32 bytes.
func NewSigner(key string) (*Signer, error) {
	keyBytes, err := cryptoutil.ResolveKey("signing key", key, 32)
	if err != nil {
		return nil, err
	}
	return &Signer{key: keyBytes}, nil
}

// Sign returns "hmac-sha256:<hex>" for data.
func (s *Signer) Sign(data []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches data, in constant time.
func (s *Signer) Verify(data []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(signature))
}
