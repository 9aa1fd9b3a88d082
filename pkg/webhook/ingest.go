// Package webhook turns inbound vendor callbacks into workflow transitions.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/model"
)

var ErrUnknownVendor = errors.New("vendor is not configured")

const defaultIdempotencyTTL = 24 * time.Hour

// Delivery is one inbound callback request.
type Delivery struct {
	Vendor       string
	Brand        string
	WorkflowHint string
	Body         []byte

	Method string
	URL    string
	Header http.Header
}

// Receipt describes what an accepted delivery did.
type Receipt struct {
	Duplicate   bool               `json:"duplicate,omitempty"`
	Disposition engine.Disposition `json:"disposition,omitempty"`
	WorkflowID  string             `json:"workflow_id,omitempty"`
	Stage       model.Stage        `json:"stage,omitempty"`
}

type Ingestor struct {
	engine      *engine.Engine
	adapters    *adapter.Registry
	secrets     map[string]string
	deduper     Deduper
	deadLetters engine.DeadLetterSink
	cfg         config.EngineConfig
	logger      *zap.Logger
}

type Option func(*Ingestor)

func WithDeduper(d Deduper) Option {
	return func(i *Ingestor) {
		i.deduper = d
	}
}

func WithDeadLetters(s engine.DeadLetterSink) Option {
	return func(i *Ingestor) {
		i.deadLetters = s
	}
}

// WithSecret overrides the shared secret for one vendor.
func WithSecret(vendor, secret string) Option {
	return func(i *Ingestor) {
		i.secrets[vendor] = secret
	}
}

func NewIngestor(cfg config.EngineConfig, vendors config.VendorsConfig, eng *engine.Engine, adapters *adapter.Registry, logger *zap.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		engine:   eng,
		adapters: adapters,
		secrets: map[string]string{
			"heygen":   vendors.HeyGen.WebhookSecret,
			"submagic": vendors.Submagic.WebhookSecret,
			"late":     vendors.Late.WebhookSecret,
		},
		deduper: NewMemoryDeduper(),
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "webhook")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest authenticates, parses and applies one callback. It returns only
// after the resulting transition has committed or failed.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (*Receipt, error) {
	d.Brand = strings.ToLower(d.Brand)
	a, err := i.route(d)
	if err != nil {
		return nil, err
	}
	if err := Verify(i.secrets[d.Vendor], d.Header, d.Body); err != nil {
		i.logger.Warn("rejected webhook signature",
			zap.String("vendor", d.Vendor), zap.String("brand", d.Brand))
		return nil, err
	}

	ev, err := a.ParseCallback(d.Body)
	if err != nil {
		i.recordUnparseable(d, err)
		return nil, err
	}

	key := dedupeKey(d, ev)
	if key != "" {
		seen, err := i.deduper.Seen(ctx, key)
		if err != nil {
			i.logger.Warn("idempotency cache lookup failed", zap.String("key", key), zap.Error(err))
		} else if seen {
			i.logger.Debug("duplicate webhook delivery", zap.String("key", key))
			return &Receipt{Duplicate: true}, nil
		}
	}

	receipt, err := i.apply(ctx, d, ev)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if err := i.deduper.Mark(ctx, key, i.ttl()); err != nil {
			i.logger.Warn("idempotency cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return receipt, nil
}

// Replay feeds a stored callback body through parse and transition again.
// It skips signature checks and the idempotency cache, and records nothing
// new on failure.
func (i *Ingestor) Replay(ctx context.Context, vendor, brand, workflowHint string, body []byte) error {
	d := Delivery{Vendor: vendor, Brand: strings.ToLower(brand), WorkflowHint: workflowHint, Body: body}
	a, err := i.route(d)
	if err != nil {
		return err
	}
	ev, err := a.ParseCallback(body)
	if err != nil {
		return err
	}
	_, err = i.apply(ctx, d, ev)
	return err
}

func (i *Ingestor) route(d Delivery) (adapter.Adapter, error) {
	a, ok := i.adapters.ForVendor(d.Vendor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, d.Vendor)
	}
	if !i.cfg.BrandAllowed(d.Brand) {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownBrand, d.Brand)
	}
	return a, nil
}

func (i *Ingestor) apply(ctx context.Context, d Delivery, ev model.StageEvent) (*Receipt, error) {
	ev.Source = model.SourceWebhook

	wf, err := i.engine.Locate(ctx, d.Brand, ev, d.WorkflowHint)
	if err != nil {
		return nil, fmt.Errorf("locate workflow for %s job %s: %w", d.Vendor, ev.VendorJobID, err)
	}

	res, err := i.engine.Transition(ctx, d.Brand, wf.ID, ev)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		Disposition: res.Disposition,
		WorkflowID:  res.Workflow.ID,
		Stage:       res.Workflow.Stage,
	}, nil
}

func (i *Ingestor) recordUnparseable(d Delivery, err error) {
	i.logger.Warn("unparseable webhook",
		zap.String("vendor", d.Vendor), zap.String("brand", d.Brand), zap.Error(err))
	if i.deadLetters == nil {
		return
	}

	headers := model.JSONB{}
	for name, values := range d.Header {
		if isSecretHeader(name) {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}
	i.deadLetters.Record(&model.DeadLetter{
		Kind:       model.DeadLetterUnparseable,
		Vendor:     d.Vendor,
		Brand:      d.Brand,
		WorkflowID: d.WorkflowHint,
		Method:     d.Method,
		URL:        d.URL,
		Headers:    headers,
		Body:       string(d.Body),
		Error:      err.Error(),
	})
}

func (i *Ingestor) ttl() time.Duration {
	if i.cfg.IdempotencyTTL > 0 {
		return i.cfg.IdempotencyTTL
	}
	return defaultIdempotencyTTL
}

func dedupeKey(d Delivery, ev model.StageEvent) string {
	if ev.EventID == "" {
		return ""
	}
	return d.Vendor + ":" + ev.EventID + ":" + d.Brand
}

func isSecretHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Authorization", "Cookie":
		return true
	}
	for _, h := range signatureHeaders {
		if http.CanonicalHeaderKey(name) == h {
			return true
		}
	}
	return false
}
