package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CanonicalJSON renders payload with sorted object keys and no extraneous
// whitespace. Both sides of the signature contract must agree on these
// bytes, so the payload is normalized through generic maps first: Go
// marshals map keys in sorted order regardless of the input shape.
func CanonicalJSON(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canonical, nil
}

// Sign computes the delivery signature over the canonical payload bytes.
// The returned value is ready for the X-Webhook-Signature header.
func Sign(secret string, canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SignPayload canonicalizes payload and signs it in one step.
func SignPayload(secret string, payload any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return Sign(secret, canonical), nil
}

// Verify checks a received signature against the payload in constant time.
// The sha256= prefix on the received value is optional.
func Verify(secret string, payload any, signature string) bool {
	expected, err := SignPayload(secret, payload)
	if err != nil {
		return false
	}
	expected = strings.TrimPrefix(expected, "sha256=")
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(expected), []byte(signature))
}
