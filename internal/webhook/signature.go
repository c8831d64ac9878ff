// Package webhook authenticates and decodes GitHub push notifications.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// SignaturePrefix precedes the hex digest in the signature header
	SignaturePrefix = "sha256="

	HeaderSignature = "X-Hub-Signature-256"
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
)

// Verify checks the HMAC-SHA256 signature header of a webhook body.
// An empty secret disables verification and always returns true.
func Verify(payload []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}

	// Signature format: "sha256=<hex_digest>"
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}

	// The digest is compared as lowercase hex text, so case changes fail too
	received := strings.TrimPrefix(signature, SignaturePrefix)
	expected := hex.EncodeToString(computeMAC(payload, secret))

	// Constant-time comparison
	return hmac.Equal([]byte(received), []byte(expected))
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	return SignaturePrefix + hex.EncodeToString(computeMAC(payload, secret))
}

func computeMAC(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
