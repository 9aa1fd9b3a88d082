// Package reconciler finds workflows whose vendor never called back and
// drives them forward by polling the vendor directly.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/metrics"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
	"github.com/reelflow/reelflow/pkg/sweep"
)

const sweepName = "stall"

type Report struct {
	Visited      int
	Transitioned int
	Unchanged    int
	Failed       int
}

type Detector struct {
	engine      *engine.Engine
	adapters    *adapter.Registry
	deadLetters engine.DeadLetterSink
	cfg         config.EngineConfig
	guard       *sweep.Guard
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Detector)

func WithLocker(l sweep.Locker) Option {
	return func(d *Detector) {
		d.guard = sweep.NewGuard(sweepName, l, d.cfg.SweepLockTTL)
	}
}

// WithDeadLetters records poll failures for operators.
func WithDeadLetters(s engine.DeadLetterSink) Option {
	return func(d *Detector) {
		d.deadLetters = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

func NewDetector(cfg config.EngineConfig, eng *engine.Engine, adapters *adapter.Registry, logger *zap.Logger, opts ...Option) *Detector {
	d := &Detector{
		engine:   eng,
		adapters: adapters,
		cfg:      cfg,
		guard:    sweep.NewGuard(sweepName, nil, cfg.SweepLockTTL),
		logger:   logger.With(zap.String("component", "stall-detector")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("stall detector starting", zap.Duration("interval", d.cfg.StallInterval))
	return sweep.Every(ctx, d.cfg.StallInterval, d.logger, func(ctx context.Context) error {
		_, err := d.Sweep(ctx)
		return err
	})
}

// Sweep visits every non-terminal workflow that has sat in its stage longer
// than the stage's stall threshold.
func (d *Detector) Sweep(ctx context.Context) (Report, error) {
	var report Report
	ran, err := d.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		report, err = d.sweep(ctx)
		return err
	})
	if !ran && err == nil {
		d.logger.Debug("stall sweep already running, skipped")
	}
	return report, err
}

func (d *Detector) sweep(ctx context.Context) (Report, error) {
	start := d.now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(sweepName).Observe(time.Since(start).Seconds())
	}()

	stages := append([]model.Stage{model.StageCreated}, d.engine.Pipeline()...)

	var (
		report Report
		errs   []error
	)
	for _, stage := range stages {
		cutoff := start.Add(-d.cfg.Stage(string(stage)).StallThreshold)
		if err := d.sweepStage(ctx, stage, cutoff, &report); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				return report, errors.Join(errs...)
			}
		}
	}

	if report.Visited > 0 {
		d.logger.Info("stall sweep finished",
			zap.Int("visited", report.Visited),
			zap.Int("transitioned", report.Transitioned),
			zap.Int("failed", report.Failed))
	}
	return report, errors.Join(errs...)
}

// sweepStage pages through every workflow stalled in stage. Paging is keyed
// on the stage entry time, so rows that are still processing do not hide
// newer ones behind them.
func (d *Detector) sweepStage(ctx context.Context, stage model.Stage, cutoff time.Time, report *Report) error {
	var (
		errs   []error
		cursor store.Cursor
	)
	for {
		stalled, err := d.engine.Store().ListStalled(ctx, stage, cutoff, cursor, d.batchSize())
		if err != nil {
			errs = append(errs, fmt.Errorf("list stalled %s workflows: %w", stage, err))
			return errors.Join(errs...)
		}

		for i := range stalled {
			if ctx.Err() != nil {
				return errors.Join(append(errs, ctx.Err())...)
			}
			wf := &stalled[i]
			report.Visited++

			var changed bool
			err := sweep.Isolate(func() error {
				var err error
				changed, err = d.reconcile(ctx, wf)
				return err
			})
			switch {
			case err != nil:
				report.Failed++
				metrics.SweepItems.WithLabelValues(sweepName, metrics.ResultError).Inc()
				d.logger.Error("failed to reconcile stalled workflow",
					zap.String("brand", wf.Brand),
					zap.String("workflow_id", wf.ID),
					zap.String("stage", string(wf.Stage)),
					zap.Error(err))
				errs = append(errs, fmt.Errorf("workflow %s/%s: %w", wf.Brand, wf.ID, err))
			case changed:
				report.Transitioned++
				metrics.SweepItems.WithLabelValues(sweepName, metrics.ResultApplied).Inc()
			default:
				report.Unchanged++
				metrics.SweepItems.WithLabelValues(sweepName, "unchanged").Inc()
			}
		}

		if len(stalled) < d.batchSize() {
			return errors.Join(errs...)
		}
		last := stalled[len(stalled)-1]
		cursor = store.Cursor{At: last.StageEnteredAt, Brand: last.Brand, ID: last.ID}
	}
}

// reconcile moves one stalled workflow forward if the vendor has news.
// changed reports whether its stage moved.
func (d *Detector) reconcile(ctx context.Context, wf *model.Workflow) (bool, error) {
	if wf.Stage == model.StageCreated {
		// never started, or the first submit failed transiently
		res, err := d.engine.Start(ctx, wf.Brand, wf.ID)
		if errors.Is(err, engine.ErrNotStartable) || isSubmitError(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return res.Workflow.Stage != res.From, nil
	}

	jobID := wf.Ref(wf.Stage)
	if jobID == "" {
		return false, fmt.Errorf("no outstanding job for stage %s", wf.Stage)
	}
	a, err := d.adapters.ForStage(wf.Stage)
	if err != nil {
		return false, err
	}

	ev, err := d.poll(ctx, a, jobID)
	if err != nil {
		d.deadLetter(wf, a.Vendor(), err)
		if !adapter.IsPermanent(err) {
			// try again next sweep
			return false, nil
		}
		// the vendor no longer knows the job; count it as a failed attempt
		ev = model.StageEvent{Outcome: model.OutcomeFailed, Error: err.Error()}
	}
	ev.Source = model.SourcePoll
	ev.Stage = wf.Stage
	ev.VendorJobID = jobID

	res, err := d.engine.Transition(ctx, wf.Brand, wf.ID, ev)
	if isSubmitError(err) {
		// rolled back; the next sweep polls the same job again
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.Disposition == engine.Applied && res.Workflow.Stage != res.From, nil
}

func isSubmitError(err error) bool {
	var se *engine.SubmitError
	return errors.As(err, &se)
}

func (d *Detector) poll(ctx context.Context, a adapter.Adapter, jobID string) (model.StageEvent, error) {
	if d.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.PollTimeout)
		defer cancel()
	}
	return a.Poll(ctx, jobID)
}

func (d *Detector) deadLetter(wf *model.Workflow, vendor string, err error) {
	if d.deadLetters == nil {
		return
	}
	d.deadLetters.Record(&model.DeadLetter{
		Kind:       model.DeadLetterAdapterError,
		Vendor:     vendor,
		Brand:      wf.Brand,
		WorkflowID: wf.ID,
		Stage:      wf.Stage,
		Method:     "poll",
		Error:      err.Error(),
		CreatedAt:  d.now(),
	})
}

func (d *Detector) batchSize() int {
	if d.cfg.SweepBatchSize > 0 {
		return d.cfg.SweepBatchSize
	}
	return 100
}
