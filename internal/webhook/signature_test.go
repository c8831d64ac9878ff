package webhook

import (
	"strings"
	"testing"
)

const testSecret = "test-secret-at-least-32-chars-long-here"

func TestVerify_Valid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)

	if !Verify(payload, Sign(payload, testSecret), testSecret) {
		t.Error("Expected valid signature to be accepted")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	signature := Sign(payload, "wrong-secret-at-least-32-chars-long-x")

	if Verify(payload, signature, testSecret) {
		t.Error("Expected signature made with another secret to be rejected")
	}
}

func TestVerify_NoSecretAcceptsEverything(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)

	for _, signature := range []string{"", "garbage", "sha256=00"} {
		if !Verify(payload, signature, "") {
			t.Errorf("Expected empty secret to accept signature %q", signature)
		}
	}
}

func TestVerify_MissingOrMalformedHeader(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	valid := Sign(payload, testSecret)
	digest := strings.TrimPrefix(valid, SignaturePrefix)

	testCases := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"no prefix", digest},
		{"wrong prefix", "sha1=" + digest},
		{"no equals", "sha256" + digest},
		{"empty after prefix", "sha256="},
		{"non-hex digest", "sha256=" + strings.Repeat("z", 64)},
		{"truncated digest", valid[:len(valid)-2]},
		{"extra data", valid + "00"},
		{"leading space", " " + valid},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if Verify(payload, tc.signature, testSecret) {
				t.Errorf("Expected signature %q to be rejected", tc.signature)
			}
		})
	}
}

// Flipping any single bit of the body must invalidate the signature.
func TestVerify_BitFlipRejected(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"octo/api"}}`)
	signature := Sign(payload, testSecret)

	for i := range payload {
		for bit := 0; bit < 8; bit++ {
			tampered := make([]byte, len(payload))
			copy(tampered, payload)
			tampered[i] ^= 1 << bit

			if Verify(tampered, signature, testSecret) {
				t.Fatalf("Tampered payload accepted (byte %d, bit %d)", i, bit)
			}
		}
	}
}

// Flipping any single bit of the signature header must invalidate it.
func TestVerify_SignatureBitFlipRejected(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	signature := Sign(payload, testSecret)

	for i := range signature {
		for bit := 0; bit < 8; bit++ {
			tampered := []byte(signature)
			tampered[i] ^= 1 << bit

			if Verify(payload, string(tampered), testSecret) {
				t.Fatalf("Tampered signature accepted (position %d, bit %d): %q", i, bit, tampered)
			}
		}
	}
}

func TestVerify_UppercaseHexRejected(t *testing.T) {
	payload := []byte(`{}`)
	signature := Sign(payload, testSecret)
	upper := SignaturePrefix + strings.ToUpper(strings.TrimPrefix(signature, SignaturePrefix))

	if Verify(payload, upper, testSecret) {
		t.Error("Expected uppercase hex digest to be rejected")
	}
}
