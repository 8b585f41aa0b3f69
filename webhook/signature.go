package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix identifies the HMAC scheme in the signature header
const signaturePrefix = "sha256="

// Sign computes the payload signature sent in X-Webhook-Signature.
// Receivers recompute it with the shared secret to authenticate the
// delivery.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the payload in constant
// time. Accepts the signature with or without the scheme prefix.
func Verify(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	received := strings.TrimPrefix(signature, signaturePrefix)
	expected := strings.TrimPrefix(Sign(payload, secret), signaturePrefix)

	receivedBytes, err := hex.DecodeString(received)
	if err != nil {
		return false
	}
	expectedBytes, _ := hex.DecodeString(expected)

	return hmac.Equal(receivedBytes, expectedBytes)
}
