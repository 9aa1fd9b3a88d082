// Package adaptertest provides a scriptable Adapter for tests of the
// components that drive stage adapters.
package adaptertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/model"
)

// Fake hands out job ids "<Prefix><n>" and returns whatever PollFunc says.
// ParseCallback decodes a model.StageEvent from JSON.
type Fake struct {
	VendorName string
	StageName  model.Stage
	Prefix     string
	PollFunc   func(ctx context.Context, jobID string) (model.StageEvent, error)

	mu     sync.Mutex
	submit int
	polls  []string
	errs   []error
}

var _ adapter.Adapter = (*Fake)(nil)

func New(vendor string, stage model.Stage, prefix string) *Fake {
	return &Fake{VendorName: vendor, StageName: stage, Prefix: prefix}
}

// Pipeline returns fakes for the three production stages.
func Pipeline() (render, caption, publish *Fake) {
	return New("heygen", model.StageRendering, "r"),
		New("submagic", model.StageCaptioning, "c"),
		New("late", model.StagePublishing, "p")
}

func (f *Fake) Vendor() string     { return f.VendorName }
func (f *Fake) Stage() model.Stage { return f.StageName }

func (f *Fake) Submit(ctx context.Context, wf *model.Workflow) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submit++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s%d", f.Prefix, f.submit), nil
}

func (f *Fake) ParseCallback(body []byte) (model.StageEvent, error) {
	var ev model.StageEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return model.StageEvent{}, adapter.Unparseable(f.VendorName, "decode callback: %v", err)
	}
	if !ev.Outcome.Valid() || ev.VendorJobID == "" {
		return model.StageEvent{}, adapter.Unparseable(f.VendorName, "missing outcome or job id")
	}
	if ev.Stage == "" {
		ev.Stage = f.StageName
	}
	return ev, nil
}

func (f *Fake) Poll(ctx context.Context, jobID string) (model.StageEvent, error) {
	f.mu.Lock()
	f.polls = append(f.polls, jobID)
	fn := f.PollFunc
	f.mu.Unlock()

	if fn == nil {
		return model.StageEvent{Stage: f.StageName, Outcome: model.OutcomeProcessing, VendorJobID: jobID}, nil
	}
	return fn(ctx, jobID)
}

// FailNext queues errors for upcoming Submit calls; a nil entry lets that call succeed.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *Fake) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submit
}

func (f *Fake) Polls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.polls...)
}

// Transient builds a retryable adapter error.
func Transient(msg string) error {
	return &adapter.AdapterError{Vendor: "fake", Op: "fake", Err: fmt.Errorf("%s", msg)}
}

// Permanent builds an adapter error the vendor will not recover from.
func Permanent(msg string) error {
	return &adapter.AdapterError{Vendor: "fake", Op: "fake", Permanent: true, Err: fmt.Errorf("%s", msg)}
}
