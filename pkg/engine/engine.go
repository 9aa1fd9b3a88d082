// Package engine owns the workflow state machine. Every change to a workflow
// after creation goes through one of Start, Transition, Reenter or Cancel,
// and each of those applies its change inside store.Mutate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/metrics"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

type Disposition string

const (
	Applied Disposition = "applied"
	// Absorbed events hit a terminal workflow and changed nothing.
	Absorbed Disposition = "absorbed"
	// Stale events referred to a stage or vendor job the workflow has moved past.
	Stale Disposition = "stale"
)

type Result struct {
	Workflow    *model.Workflow
	From        model.Stage
	Disposition Disposition

	// rerun marks a re-entry. Its stage changed even when it ended back in failed.
	rerun bool
}

type Engine struct {
	cfg         config.EngineConfig
	pipeline    Pipeline
	store       store.WorkflowStore
	adapters    *adapter.Registry
	journal     Journal
	deadLetters DeadLetterSink
	notifier    Notifier
	validate    *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Engine)

func WithPipeline(p Pipeline) Option {
	return func(e *Engine) {
		if len(p) > 0 {
			e.pipeline = p
		}
	}
}

func WithJournal(j Journal) Option {
	return func(e *Engine) {
		if j != nil {
			e.journal = j
		}
	}
}

func WithDeadLetters(d DeadLetterSink) Option {
	return func(e *Engine) {
		if d != nil {
			e.deadLetters = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithClock overrides time.Now (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(cfg config.EngineConfig, st store.WorkflowStore, adapters *adapter.Registry, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		pipeline:    DefaultPipeline(),
		store:       st,
		adapters:    adapters,
		journal:     nopJournal{},
		deadLetters: nopDeadLetters{},
		notifier:    nopNotifier{},
		validate:    validator.New(),
		logger:      logger.With(zap.String("component", "engine")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Pipeline() Pipeline {
	return e.pipeline
}

func (e *Engine) Store() store.WorkflowStore {
	return e.store
}

type NewWorkflowInput struct {
	ID      string                 `json:"id" validate:"omitempty,max=64,excludesall=/?#"`
	Brand   string                 `json:"brand" validate:"required,max=64,hostname_rfc1123"`
	Payload map[string]interface{} `json:"payload" validate:"required"`
}

// Create stores a new workflow in the created stage. It does not contact any vendor.
func (e *Engine) Create(ctx context.Context, in NewWorkflowInput) (*model.Workflow, error) {
	in.Brand = strings.ToLower(strings.TrimSpace(in.Brand))
	if err := e.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !e.cfg.BrandAllowed(in.Brand) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBrand, in.Brand)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	now := e.now()
	wf := &model.Workflow{
		ID:             in.ID,
		Brand:          in.Brand,
		Stage:          model.StageCreated,
		ExternalRefs:   model.StringMap{},
		Payload:        model.JSONB(in.Payload).Clone(),
		Artifacts:      model.Artifacts{},
		CreatedAt:      now,
		StageEnteredAt: now,
		UpdatedAt:      now,
	}
	if err := e.store.Create(ctx, wf); err != nil {
		return nil, err
	}

	metrics.WorkflowsCreated.WithLabelValues(wf.Brand).Inc()
	e.logger.Info("workflow created", zap.String("brand", wf.Brand), zap.String("workflow_id", wf.ID))
	return wf, nil
}

// Start moves a created workflow into the first pipeline stage and submits
// its vendor job. A transient submit failure leaves the workflow in created.
func (e *Engine) Start(ctx context.Context, brand, id string) (*Result, error) {
	var res Result
	wf, err := e.store.Mutate(ctx, brand, id, func(wf *model.Workflow) (store.Mutation, error) {
		res.From = wf.Stage
		if wf.Stage != model.StageCreated {
			return store.Mutation{}, ErrNotStartable
		}
		if err := e.enter(ctx, wf, e.pipeline.First(), true); err != nil {
			return store.Mutation{}, err
		}
		return e.changed(wf, res.From, model.SourceAdmin), nil
	})
	if err != nil {
		return nil, err
	}

	res.Workflow = wf
	res.Disposition = Applied
	e.committed(ctx, &res, model.StageEvent{Source: model.SourceAdmin})
	return &res, nil
}

// Transition applies one normalized vendor event to the workflow it belongs to.
func (e *Engine) Transition(ctx context.Context, brand, id string, ev model.StageEvent) (*Result, error) {
	if !ev.Outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidEvent, ev.Outcome)
	}

	var res Result
	wf, err := e.store.Mutate(ctx, brand, id, func(wf *model.Workflow) (store.Mutation, error) {
		res = Result{From: wf.Stage}

		if wf.Stage.Terminal() {
			res.Disposition = Absorbed
			return store.Mutation{}, nil
		}
		if ev.Stage != wf.Stage || ev.VendorJobID == "" || wf.Ref(ev.Stage) != ev.VendorJobID {
			res.Disposition = Stale
			return store.Mutation{}, nil
		}

		res.Disposition = Applied
		switch ev.Outcome {
		case model.OutcomeProcessing:
			wf.UpdatedAt = e.now()
			return store.Mutation{Changed: true}, nil
		case model.OutcomeCompleted:
			if err := e.advance(ctx, wf, ev); err != nil {
				return store.Mutation{}, err
			}
		case model.OutcomeFailed:
			if err := e.retryStage(ctx, wf, ev); err != nil {
				return store.Mutation{}, err
			}
		}
		return e.changed(wf, res.From, ev.Source), nil
	})
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(brand, string(ev.Stage), string(ev.Outcome), metrics.ResultError).Inc()
		return nil, err
	}

	res.Workflow = wf
	switch res.Disposition {
	case Absorbed:
		e.logger.Debug("event absorbed by terminal workflow",
			zap.String("brand", brand), zap.String("workflow_id", id),
			zap.String("stage", string(wf.Stage)), zap.String("vendor_job_id", ev.VendorJobID))
	case Stale:
		e.logger.Debug("stale event ignored",
			zap.String("brand", brand), zap.String("workflow_id", id),
			zap.String("event_stage", string(ev.Stage)), zap.String("vendor_job_id", ev.VendorJobID),
			zap.String("current_ref", wf.Ref(ev.Stage)))
	}
	metrics.TransitionsTotal.WithLabelValues(brand, string(ev.Stage), string(ev.Outcome), string(res.Disposition)).Inc()

	e.committed(ctx, &res, ev)
	return &res, nil
}

type ReenterOptions struct {
	Source model.EventSource
	// Force skips the retry ceiling and the retries-disabled flag. It is
	// reserved for operator replay.
	Force bool
}

// Reenter gives a failed workflow another run, starting at the first stage
// that has no cached artifact.
func (e *Engine) Reenter(ctx context.Context, brand, id string, opts ReenterOptions) (*Result, error) {
	if opts.Source == "" {
		opts.Source = model.SourceRetry
	}

	var res Result
	wf, err := e.store.Mutate(ctx, brand, id, func(wf *model.Workflow) (store.Mutation, error) {
		res.From = wf.Stage
		if wf.Stage != model.StageFailed {
			return store.Mutation{}, fmt.Errorf("%w: stage is %s", ErrNotRetryable, wf.Stage)
		}
		if !opts.Force {
			if wf.RetriesDisabled {
				return store.Mutation{}, fmt.Errorf("%w: retries disabled", ErrNotRetryable)
			}
			if wf.RetryCount >= e.cfg.MaxRetryScheduleAttempts {
				return store.Mutation{}, fmt.Errorf("%w: retry ceiling reached", ErrNotRetryable)
			}
		}

		target := e.pipeline.ResumePoint(wf)
		wf.RetryCount++
		wf.RetriesDisabled = false
		if err := e.enter(ctx, wf, target, false); err != nil {
			return store.Mutation{}, err
		}
		res.rerun = true
		return e.rerunChanged(wf, res.From, opts.Source), nil
	})
	if err != nil {
		return nil, err
	}

	res.Workflow = wf
	res.Disposition = Applied
	metrics.RetryReentries.WithLabelValues(wf.Brand, string(wf.Stage)).Inc()
	e.logger.Info("workflow re-entered",
		zap.String("brand", brand), zap.String("workflow_id", id),
		zap.String("stage", string(wf.Stage)), zap.Int("retry_count", wf.RetryCount),
		zap.Bool("forced", opts.Force))

	e.committed(ctx, &res, model.StageEvent{Source: opts.Source})
	return &res, nil
}

// Cancel forces a workflow to failed with retries disabled. The outstanding
// vendor job is superseded so its callbacks become stale.
func (e *Engine) Cancel(ctx context.Context, brand, id, reason string) (*Result, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}

	var res Result
	wf, err := e.store.Mutate(ctx, brand, id, func(wf *model.Workflow) (store.Mutation, error) {
		res.From = wf.Stage
		switch wf.Stage {
		case model.StageCompleted:
			return store.Mutation{}, ErrNotCancelable
		case model.StageFailed:
			if wf.RetriesDisabled {
				res.Disposition = Absorbed
				return store.Mutation{}, nil
			}
		default:
			wf.SupersedeRef(wf.Stage)
			e.markFailed(wf, "cancelled: "+reason)
		}
		wf.RetriesDisabled = true
		wf.UpdatedAt = e.now()
		res.Disposition = Applied
		return e.changed(wf, res.From, model.SourceAdmin), nil
	})
	if err != nil {
		return nil, err
	}

	res.Workflow = wf
	e.committed(ctx, &res, model.StageEvent{Source: model.SourceAdmin, Error: reason})
	return &res, nil
}

// Locate finds the workflow an inbound event belongs to, preferring an
// explicit workflow id and falling back to the vendor job id.
func (e *Engine) Locate(ctx context.Context, brand string, ev model.StageEvent, hint string) (*model.Workflow, error) {
	for _, id := range []string{ev.WorkflowID, hint} {
		if id == "" {
			continue
		}
		wf, err := e.store.Get(ctx, brand, id)
		if err == nil {
			return wf, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if ev.VendorJobID == "" {
		return nil, store.ErrNotFound
	}
	return e.store.FindByExternalRef(ctx, brand, ev.VendorJobID)
}

// advance records the stage's output and moves to the next stage.
func (e *Engine) advance(ctx context.Context, wf *model.Workflow, ev model.StageEvent) error {
	stage := wf.Stage
	if wf.Payload == nil {
		wf.Payload = model.JSONB{}
	}
	if wf.Artifacts == nil {
		wf.Artifacts = model.Artifacts{}
	}
	wf.Payload.Merge(ev.Artifact)
	artifact := model.JSONB{}
	artifact.Merge(ev.Artifact)
	wf.Artifacts[string(stage)] = artifact

	next, err := e.pipeline.Next(stage)
	if err != nil {
		return err
	}
	if next != model.StageCompleted {
		return e.enter(ctx, wf, next, true)
	}

	now := e.now()
	result := model.JSONB{}
	for _, s := range e.pipeline {
		result.Merge(wf.Artifacts[string(s)])
	}
	wf.Stage = model.StageCompleted
	wf.Attempt = 0
	wf.LastError = ""
	wf.TerminalResult = result
	wf.StageEnteredAt = now
	wf.UpdatedAt = now
	return nil
}

// retryStage handles a failure report for the current attempt.
func (e *Engine) retryStage(ctx context.Context, wf *model.Workflow, ev model.StageEvent) error {
	wf.Attempt++
	wf.LastError = ev.Error
	if wf.LastError == "" {
		wf.LastError = fmt.Sprintf("%s failed", wf.Stage)
	}
	wf.UpdatedAt = e.now()

	if ev.Permanent || wf.Attempt >= e.cfg.Stage(string(wf.Stage)).MaxAttempts {
		e.markFailed(wf, wf.LastError)
		return nil
	}
	return e.submit(ctx, wf, false)
}

// enter puts wf at the start of stage and submits its first attempt.
func (e *Engine) enter(ctx context.Context, wf *model.Workflow, stage model.Stage, rollbackTransient bool) error {
	wf.Stage = stage
	wf.Attempt = 0
	wf.LastError = ""
	wf.FailedStage = ""
	return e.submit(ctx, wf, rollbackTransient)
}

// submit starts a vendor job for wf's current stage. With rollbackTransient
// a transient error aborts the mutation; otherwise it counts as a failed
// attempt and the stage is resubmitted until it succeeds or runs out of attempts.
func (e *Engine) submit(ctx context.Context, wf *model.Workflow, rollbackTransient bool) error {
	a, err := e.adapters.ForStage(wf.Stage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownStage, err)
	}
	maxAttempts := e.cfg.Stage(string(wf.Stage)).MaxAttempts

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		jobID, err := e.callSubmit(ctx, a, wf)
		now := e.now()
		if err == nil {
			wf.SetRef(wf.Stage, jobID)
			wf.StageEnteredAt = now
			wf.UpdatedAt = now
			return nil
		}

		e.deadLetters.Record(&model.DeadLetter{
			ID:         uuid.NewString(),
			Kind:       model.DeadLetterAdapterError,
			Vendor:     a.Vendor(),
			Brand:      wf.Brand,
			WorkflowID: wf.ID,
			Stage:      wf.Stage,
			Error:      err.Error(),
			CreatedAt:  now,
		})

		if adapter.IsPermanent(err) {
			wf.SupersedeRef(wf.Stage)
			e.markFailed(wf, err.Error())
			return nil
		}
		if rollbackTransient {
			return &SubmitError{Stage: wf.Stage, Err: err}
		}

		wf.Attempt++
		wf.LastError = err.Error()
		wf.UpdatedAt = now
		if wf.Attempt >= maxAttempts {
			wf.SupersedeRef(wf.Stage)
			e.markFailed(wf, wf.LastError)
			return nil
		}
	}
}

func (e *Engine) callSubmit(ctx context.Context, a adapter.Adapter, wf *model.Workflow) (string, error) {
	timeout := e.cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	jobID, err := a.Submit(ctx, wf.Clone())
	result := "ok"
	if err != nil {
		result = "error"
		e.logger.Warn("vendor submit failed",
			zap.String("vendor", a.Vendor()), zap.String("brand", wf.Brand),
			zap.String("workflow_id", wf.ID), zap.String("stage", string(wf.Stage)),
			zap.Int("attempt", wf.Attempt), zap.Bool("permanent", adapter.IsPermanent(err)),
			zap.Error(err))
	}
	metrics.SubmitDuration.WithLabelValues(a.Vendor(), result).Observe(time.Since(start).Seconds())
	return jobID, err
}

func (e *Engine) markFailed(wf *model.Workflow, reason string) {
	now := e.now()
	wf.FailedStage = wf.Stage
	wf.Stage = model.StageFailed
	wf.LastError = reason
	wf.StageEnteredAt = now
	wf.UpdatedAt = now
}

// changed builds the mutation for a committed change, adding an outbox row
// when the stage moved.
func (e *Engine) changed(wf *model.Workflow, from model.Stage, source model.EventSource) store.Mutation {
	m := store.Mutation{Changed: true}
	if wf.Stage != from {
		m.Event = model.NewStageChangedEvent(wf, from, source)
	}
	return m
}

// rerunChanged is changed for a re-entry: a submit that failed again still
// produces an outbox row, since the workflow left failed and came back.
func (e *Engine) rerunChanged(wf *model.Workflow, from model.Stage, source model.EventSource) store.Mutation {
	return store.Mutation{Changed: true, Event: model.NewStageChangedEvent(wf, from, source)}
}

// committed runs the side effects that follow a successful mutation.
func (e *Engine) committed(ctx context.Context, res *Result, ev model.StageEvent) {
	if res.Disposition != Applied {
		return
	}
	wf := res.Workflow

	e.journal.Record(&model.TransitionRecord{
		WorkflowID:  wf.ID,
		Brand:       wf.Brand,
		FromStage:   res.From,
		ToStage:     wf.Stage,
		Source:      ev.Source,
		Outcome:     ev.Outcome,
		VendorJobID: ev.VendorJobID,
		Attempt:     wf.Attempt,
		RetryCount:  wf.RetryCount,
		Error:       wf.LastError,
		At:          wf.UpdatedAt,
	})

	if wf.Stage == res.From && !res.rerun {
		return
	}
	e.notifier.StageChanged(ctx, wf, res.From)

	switch wf.Stage {
	case model.StageCompleted:
		e.logger.Info("workflow completed", zap.String("brand", wf.Brand), zap.String("workflow_id", wf.ID))
	case model.StageFailed:
		e.logger.Warn("workflow failed",
			zap.String("brand", wf.Brand), zap.String("workflow_id", wf.ID),
			zap.String("failed_stage", string(wf.FailedStage)), zap.Int("attempt", wf.Attempt),
			zap.Int("retry_count", wf.RetryCount), zap.String("error", wf.LastError))
		if e.RetriesExhausted(wf) {
			e.deadLetters.Record(&model.DeadLetter{
				ID:         uuid.NewString(),
				Kind:       model.DeadLetterRetriesExhausted,
				Brand:      wf.Brand,
				WorkflowID: wf.ID,
				Stage:      wf.FailedStage,
				Error:      wf.LastError,
				CreatedAt:  wf.UpdatedAt,
			})
		}
	default:
		e.logger.Info("workflow advanced",
			zap.String("brand", wf.Brand), zap.String("workflow_id", wf.ID),
			zap.String("from", string(res.From)), zap.String("stage", string(wf.Stage)),
			zap.String("vendor_job_id", wf.Ref(wf.Stage)))
	}
}

// RetriesExhausted reports whether a failed workflow is beyond the retry
// scheduler's reach. Cancelled workflows are not exhausted; they were stopped.
func (e *Engine) RetriesExhausted(wf *model.Workflow) bool {
	return wf.Stage == model.StageFailed &&
		!wf.RetriesDisabled &&
		wf.RetryCount >= e.cfg.MaxRetryScheduleAttempts
}
