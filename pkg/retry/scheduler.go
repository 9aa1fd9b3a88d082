// Package retry gives terminally failed workflows a bounded number of
// second chances after a cooldown.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/metrics"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
	"github.com/reelflow/reelflow/pkg/sweep"
)

const sweepName = "retry"

type Report struct {
	Visited   int
	Reentered int
	NotDue    int
	Skipped   int
	Failed    int
}

type Scheduler struct {
	engine  *engine.Engine
	cfg     config.EngineConfig
	backoff Backoff
	guard   *sweep.Guard
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Scheduler)

// WithLocker coordinates sweeps across replicas.
func WithLocker(l sweep.Locker) Option {
	return func(s *Scheduler) {
		s.guard = sweep.NewGuard(sweepName, l, s.cfg.SweepLockTTL)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(cfg config.EngineConfig, eng *engine.Engine, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:  eng,
		cfg:     cfg,
		backoff: NewBackoff(cfg.RetryBackoff),
		guard:   sweep.NewGuard(sweepName, nil, cfg.SweepLockTTL),
		logger:  logger.With(zap.String("component", "retry-scheduler")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("retry scheduler starting",
		zap.Duration("interval", s.cfg.RetryInterval),
		zap.Int("max_retry_schedule_attempts", s.cfg.MaxRetryScheduleAttempts))
	return sweep.Every(ctx, s.cfg.RetryInterval, s.logger, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
}

// Sweep re-enters every failed workflow whose cooldown has elapsed. One
// workflow's error never stops the others; all errors are returned joined.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	var report Report
	ran, err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		report, err = s.sweep(ctx)
		return err
	})
	if !ran && err == nil {
		s.logger.Debug("retry sweep already running, skipped")
	}
	return report, err
}

func (s *Scheduler) sweep(ctx context.Context) (Report, error) {
	start := s.now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(sweepName).Observe(time.Since(start).Seconds())
	}()

	var report Report
	if s.cfg.MaxRetryScheduleAttempts <= 0 {
		return report, nil
	}

	// the shortest possible cooldown narrows the query; the exact one is per item
	updatedBefore := start.Add(-s.backoff.Delay(1))

	var (
		errs   []error
		cursor store.Cursor
	)
	for {
		candidates, err := s.engine.Store().ListFailed(ctx, s.cfg.MaxRetryScheduleAttempts,
			updatedBefore, cursor, s.batchSize())
		if err != nil {
			errs = append(errs, fmt.Errorf("list failed workflows: %w", err))
			break
		}

		for i := range candidates {
			if ctx.Err() != nil {
				return report, errors.Join(append(errs, ctx.Err())...)
			}
			wf := &candidates[i]
			report.Visited++
			s.retry(ctx, start, wf, &report, &errs)
		}

		// not-due rows keep their position, so the cursor moves past them
		if len(candidates) < s.batchSize() {
			break
		}
		last := candidates[len(candidates)-1]
		cursor = store.Cursor{At: last.UpdatedAt, Brand: last.Brand, ID: last.ID}
	}

	if report.Visited > 0 {
		s.logger.Info("retry sweep finished",
			zap.Int("visited", report.Visited),
			zap.Int("reentered", report.Reentered),
			zap.Int("not_due", report.NotDue),
			zap.Int("failed", report.Failed))
	}
	return report, errors.Join(errs...)
}

func (s *Scheduler) retry(ctx context.Context, start time.Time, wf *model.Workflow, report *Report, errs *[]error) {
	if wait := s.backoff.Delay(wf.RetryCount + 1); start.Sub(wf.UpdatedAt) < wait {
		report.NotDue++
		metrics.SweepItems.WithLabelValues(sweepName, "not_due").Inc()
		return
	}

	err := sweep.Isolate(func() error {
		_, err := s.engine.Reenter(ctx, wf.Brand, wf.ID, engine.ReenterOptions{Source: model.SourceRetry})
		return err
	})
	switch {
	case err == nil:
		report.Reentered++
		metrics.SweepItems.WithLabelValues(sweepName, metrics.ResultApplied).Inc()
	case errors.Is(err, engine.ErrNotRetryable):
		// someone else moved it since the query
		report.Skipped++
		metrics.SweepItems.WithLabelValues(sweepName, "skipped").Inc()
	default:
		report.Failed++
		metrics.SweepItems.WithLabelValues(sweepName, metrics.ResultError).Inc()
		s.logger.Error("failed to re-enter workflow",
			zap.String("brand", wf.Brand),
			zap.String("workflow_id", wf.ID),
			zap.Int("retry_count", wf.RetryCount),
			zap.Error(err))
		*errs = append(*errs, fmt.Errorf("workflow %s/%s: %w", wf.Brand, wf.ID, err))
	}
}

func (s *Scheduler) batchSize() int {
	if s.cfg.SweepBatchSize > 0 {
		return s.cfg.SweepBatchSize
	}
	return 100
}
