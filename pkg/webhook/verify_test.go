package webhook

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	body := []byte(`{"status":"completed"}`)
	signed := Sign("s3cret", body)

	cases := []struct {
		name   string
		secret string
		header string
		value  string
		ok     bool
	}{
		{"prefixed hmac", "s3cret", "X-Webhook-Signature", signed, true},
		{"bare hex hmac", "s3cret", "X-Submagic-Signature", strings.TrimPrefix(signed, "sha256="), true},
		{"shared secret", "s3cret", "X-Signature", "s3cret", true},
		{"wrong secret", "other", "X-Webhook-Signature", signed, false},
		{"missing header", "s3cret", "", "", false},
		{"no secret configured", "", "X-Signature", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.header != "" {
				h.Set(tc.header, tc.value)
			}
			err := Verify(tc.secret, h, body)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnauthorized)
			}
		})
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	h := http.Header{}
	h.Set("X-Webhook-Signature", Sign("s3cret", []byte(`{"a":1}`)))
	assert.ErrorIs(t, Verify("s3cret", h, []byte(`{"a":2}`)), ErrUnauthorized)
}

func TestMemoryDeduperExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper()
	d.now = func() time.Time { return now }

	seen, err := d.Seen(ctx, "heygen:e1:acme")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, "heygen:e1:acme", time.Hour))
	seen, _ = d.Seen(ctx, "heygen:e1:acme")
	assert.True(t, seen)

	now = now.Add(2 * time.Hour)
	seen, _ = d.Seen(ctx, "heygen:e1:acme")
	assert.False(t, seen)
}
