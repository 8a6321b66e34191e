// Package webhook verifies HMAC-SHA256 signatures on hook request bodies.
//
// Accepted signature formats:
//   - "sha256=<hex>" (GitHub X-Hub-Signature-256)
//   - "<hex>"
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// DefaultHeader carries the signature unless configured otherwise.
const DefaultHeader = "X-Hub-Signature-256"

// ErrVerification is the only error Verify returns so callers leak nothing
// about which check failed.
var ErrVerification = errors.New("webhook verification failed")

// Verify checks signature against the HMAC-SHA256 of body under secret in
// constant time.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrVerification
	}

	actual, err := parseSignature(signature)
	if err != nil {
		return ErrVerification
	}
	if !hmac.Equal(sum(body, secret), actual) {
		return ErrVerification
	}
	return nil
}

// Sign returns the GitHub-style signature for body.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sum(body, secret))
}

func sum(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
}
