package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Prefix identifies the signature scheme on the wire.
const Prefix = "sha256="

// Sign computes the webhook signature for a payload body.
// The signed string is "{timestamp}.{body}" keyed by secret, and the
// result is hex-encoded with the scheme prefix. The timestamp is
// caller-supplied so the function stays deterministic.
func Sign(body []byte, secret string, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", timestamp, body)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body/secret/timestamp.
// Comparison is constant-time.
func Verify(body []byte, secret string, timestamp string, signature string) bool {
	expected := Sign(body, secret, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
