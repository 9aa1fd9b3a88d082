// Package adapter defines the boundary between the engine and the hosted
// vendors that fulfil each pipeline stage. Adapters hold no workflow state;
// they translate between model types and one vendor's REST API.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/reelflow/reelflow/pkg/model"
)

// Adapter submits work for one stage and normalizes what the vendor reports back.
type Adapter interface {
	Vendor() string
	Stage() model.Stage

	// Submit starts a new vendor job for wf's current stage and returns its id.
	Submit(ctx context.Context, wf *model.Workflow) (string, error)

	// ParseCallback maps a raw webhook body to a stage event. It returns an
	// *UnparseableError for anything it cannot interpret.
	ParseCallback(body []byte) (model.StageEvent, error)

	// Poll asks the vendor for the current state of jobID.
	Poll(ctx context.Context, jobID string) (model.StageEvent, error)
}

// AdapterError is a failed call to a vendor API. Permanent errors will not
// succeed on a retry with the same input.
type AdapterError struct {
	Vendor    string
	Op        string
	Permanent bool
	Err       error
}

func (e *AdapterError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Vendor, e.Op, kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

type UnparseableError struct {
	Vendor string
	Reason string
}

func (e *UnparseableError) Error() string {
	return fmt.Sprintf("%s: unparseable callback: %s", e.Vendor, e.Reason)
}

func Unparseable(vendor, format string, args ...interface{}) error {
	return &UnparseableError{Vendor: vendor, Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err is an AdapterError marked permanent.
func IsPermanent(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Permanent
}

func IsUnparseable(err error) bool {
	var ue *UnparseableError
	return errors.As(err, &ue)
}

// CallbackURL builds the per-brand webhook address handed to a vendor at
// submit time. The workflow id rides along so a callback can be routed even
// before the vendor job id has been committed.
func CallbackURL(publicBaseURL, vendor, brand, workflowID string) string {
	if publicBaseURL == "" {
		return ""
	}
	base := strings.TrimRight(publicBaseURL, "/")
	u := fmt.Sprintf("%s/webhooks/%s/%s", base, url.PathEscape(vendor), url.PathEscape(brand))
	if workflowID != "" {
		u += "?workflow_id=" + url.QueryEscape(workflowID)
	}
	return u
}

// ArtifactURL returns the first non-empty string payload value among keys.
func ArtifactURL(wf *model.Workflow, keys ...string) string {
	for _, key := range keys {
		if v := wf.Payload.String(key); v != "" {
			return v
		}
	}
	return ""
}
