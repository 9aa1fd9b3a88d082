package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 512
)

// StatusError is a non-2xx response from a vendor.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Retryable reports whether the vendor might accept the same request later.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Client is the JSON-over-HTTPS plumbing shared by the vendor adapters.
type Client struct {
	Vendor     string
	BaseURL    string
	HTTPClient *http.Client

	// Authorize sets vendor credentials on each outgoing request.
	Authorize func(req *http.Request)
}

func NewClient(vendor, baseURL string, timeout time.Duration, authorize func(*http.Request)) *Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		Vendor:     vendor,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Authorize:  authorize,
	}
}

// Do sends in as JSON (when non-nil) and decodes the response into out
// (when non-nil). Every failure comes back as an *AdapterError classified
// as transient or permanent.
func (c *Client) Do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return c.fail(op, true, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return c.fail(op, true, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Authorize != nil {
		c.Authorize(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return c.fail(op, false, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.fail(op, false, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		se := &StatusError{StatusCode: resp.StatusCode, Body: snippet}
		return c.fail(op, !se.Retryable(), se)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A 2xx we cannot read is most likely a vendor-side hiccup.
		return c.fail(op, false, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) fail(op string, permanent bool, err error) error {
	if errors.Is(err, context.Canceled) {
		permanent = false
	}
	return &AdapterError{Vendor: c.Vendor, Op: op, Permanent: permanent, Err: err}
}
