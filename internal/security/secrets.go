package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the recommended minimum webhook secret length
	MinSecretLength = 48

	// MinEntropy is the minimum Shannon entropy (bits per character)
	MinEntropy = 3.5

	// secretBytes encodes to MinSecretLength base64 characters
	secretBytes = 36

	redacted = "***REDACTED***"
)

var placeholderWords = []string{"replace", "changeme", "topsecret", "password", "example", "your-secret"}

// ValidateSecret reports why a webhook secret is unsuitable, or nil.
// The server treats a failure as a warning; an empty secret disables
// signature checks and is reported separately.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	lower := strings.ToLower(secret)
	for _, word := range placeholderWords {
		if strings.Contains(lower, word) {
			return fmt.Errorf("secret appears to be a placeholder value")
		}
	}

	if entropy := calculateEntropy(secret); entropy < MinEntropy {
		return fmt.Errorf("secret has insufficient entropy (%.2f < %.2f)", entropy, MinEntropy)
	}

	return nil
}

// GenerateSecret returns a random URL-safe secret of MinSecretLength characters
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// IsWeakSecret is a quick heuristic for obviously weak secrets
func IsWeakSecret(secret string) bool {
	if len(secret) < 32 {
		return true
	}
	if strings.Trim(secret, secret[:1]) == "" {
		return true
	}
	if isSequential(secret) {
		return true
	}
	return calculateEntropy(secret) < 2.5
}

// Redact replaces every occurrence of the given secrets in text
func Redact(text string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, redacted)
	}
	return text
}

// calculateEntropy computes the Shannon entropy of s in bits per character
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	var entropy float64
	length := float64(len(s))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// isSequential reports whether most neighbouring characters differ by one
func isSequential(s string) bool {
	if len(s) < 4 {
		return false
	}

	steps := 0
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1]+1 || s[i] == s[i-1]-1 {
			steps++
		}
	}
	return float64(steps) > float64(len(s))*0.7
}
