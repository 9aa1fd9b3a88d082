package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("webhook signature rejected")

var signatureHeaders = []string{
	"X-Webhook-Signature",
	"X-Submagic-Signature",
	"X-Signature",
}

// Verify checks the request against the vendor's shared secret. The header
// may carry a hex HMAC-SHA256 of the body, optionally prefixed "sha256=",
// or the secret itself. An empty secret rejects everything.
func Verify(secret string, header http.Header, body []byte) error {
	if secret == "" {
		return ErrUnauthorized
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, name := range signatureHeaders {
		value := strings.TrimSpace(header.Get(name))
		if value == "" {
			continue
		}
		sig := strings.TrimPrefix(value, "sha256=")
		if decoded, err := hex.DecodeString(sig); err == nil && hmac.Equal(decoded, expected) {
			return nil
		}
		if subtle.ConstantTimeCompare([]byte(value), []byte(secret)) == 1 {
			return nil
		}
	}
	return ErrUnauthorized
}

// Sign returns the header value Verify accepts for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
