package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Signer computes and checks callback signatures of the form
// hex(HMAC-SHA256(secret, providerOrderID + "|" + providerPaymentID)).
type Signer struct {
	secret []byte
}

// NewSigner builds a signer for the shared webhook secret.
func NewSigner(secret string) (Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return Signer{}, errors.New("payments: signing secret is required")
	}
	return Signer{secret: []byte(secret)}, nil
}

// Sign returns the lowercase hex signature for the pair.
func (s Signer) Sign(providerOrderID, providerPaymentID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(providerOrderID + "|" + providerPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares the supplied signature in constant time.
func (s Signer) Verify(providerOrderID, providerPaymentID, signature string) bool {
	if len(s.secret) == 0 {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(providerOrderID + "|" + providerPaymentID))
	return hmac.Equal(mac.Sum(nil), provided)
}
