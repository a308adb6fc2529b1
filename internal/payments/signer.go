// Package payments opens gateway orders for rides and top-ups and verifies
// the signed payment confirmations that come back.
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signer produces and checks hex HMAC-SHA256 signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the signature of "orderID|paymentID".
func (s *Signer) Sign(orderID, paymentID string) string {
	return s.SignBody([]byte(orderID + "|" + paymentID))
}

// Verify reports whether signature matches orderID and paymentID. The
// comparison is constant-time.
func (s *Signer) Verify(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	return s.VerifyBody([]byte(orderID+"|"+paymentID), signature)
}

// SignBody returns the signature of body.
func (s *Signer) SignBody(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyBody reports whether signature matches body. An optional
// "sha256=" prefix is accepted.
func (s *Signer) VerifyBody(body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
