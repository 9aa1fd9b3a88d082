package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/adapter"
	"github.com/reelflow/reelflow/pkg/adapter/adaptertest"
	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock     *clock
	engine    *engine.Engine
	scheduler *Scheduler
	caption   *adaptertest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.EngineConfig{
		Stages: map[string]config.StageConfig{
			"captioning": {MaxAttempts: 2},
		},
		MaxRetryScheduleAttempts: 2,
		RetryBackoff:             config.BackoffConfig{Mode: "exponential", Base: 15 * time.Minute, Factor: 2, Max: 24 * time.Hour},
	}
	render, caption, publish := adaptertest.Pipeline()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(cfg, memory.NewWorkflowStore(), adapter.NewRegistry(render, caption, publish), zap.NewNop(),
		engine.WithClock(c.Now))
	return &fixture{
		clock:     c,
		engine:    eng,
		scheduler: NewScheduler(cfg, eng, zap.NewNop(), WithClock(c.Now)),
		caption:   caption,
	}
}

// failedInCaptioning returns a workflow that rendered fine and then burned
// through its captioning attempts.
func (f *fixture) failedInCaptioning(t *testing.T) *model.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := f.engine.Create(ctx, engine.NewWorkflowInput{Brand: "acme", Payload: map[string]interface{}{"script": "x"}})
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, wf.Brand, wf.ID)
	require.NoError(t, err)

	_, err = f.engine.Transition(ctx, wf.Brand, wf.ID, model.StageEvent{
		Source: model.SourceWebhook, Stage: model.StageRendering, Outcome: model.OutcomeCompleted,
		VendorJobID: "r1", Artifact: map[string]interface{}{"video_url": "https://cdn/r1.mp4"},
	})
	require.NoError(t, err)
	return f.exhaustCaptioning(t, wf)
}

func (f *fixture) exhaustCaptioning(t *testing.T, wf *model.Workflow) *model.Workflow {
	t.Helper()
	ctx := context.Background()
	for {
		cur, err := f.engine.Store().Get(ctx, wf.Brand, wf.ID)
		require.NoError(t, err)
		if cur.Stage == model.StageFailed {
			return cur
		}
		require.Equal(t, model.StageCaptioning, cur.Stage)
		_, err = f.engine.Transition(ctx, wf.Brand, wf.ID, model.StageEvent{
			Source: model.SourceWebhook, Stage: model.StageCaptioning, Outcome: model.OutcomeFailed,
			VendorJobID: cur.Ref(model.StageCaptioning), Error: "caption rejected",
		})
		require.NoError(t, err)
	}
}

func TestSweepWaitsForBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.failedInCaptioning(t)

	f.clock.Advance(5 * time.Minute)
	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reentered)

	f.clock.Advance(11 * time.Minute)
	report, err = f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reentered)

	got, err := f.engine.Store().Get(ctx, wf.Brand, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCaptioning, got.Stage, "re-entered at the first stage without output")
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 0, got.Attempt)
	assert.Equal(t, "c3", got.Ref(model.StageCaptioning))
}

func TestSecondRetryUsesLongerCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.failedInCaptioning(t)

	f.clock.Advance(16 * time.Minute)
	_, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	f.exhaustCaptioning(t, wf)

	f.clock.Advance(20 * time.Minute)
	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NotDue, "second cooldown is 30m")

	f.clock.Advance(11 * time.Minute)
	report, err = f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reentered)
}

func TestSweepStopsAtRetryCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.failedInCaptioning(t)

	for i := 0; i < 2; i++ {
		f.clock.Advance(2 * time.Hour)
		report, err := f.scheduler.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Reentered)
		f.exhaustCaptioning(t, wf)
	}

	f.clock.Advance(48 * time.Hour)
	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Visited)

	got, err := f.engine.Store().Get(ctx, wf.Brand, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, got.Stage)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, f.engine.RetriesExhausted(got))
}

func TestSweepIgnoresCancelledWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, err := f.engine.Create(ctx, engine.NewWorkflowInput{Brand: "acme", Payload: map[string]interface{}{"script": "x"}})
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, wf.Brand, wf.ID)
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, wf.Brand, wf.ID, "wrong script")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Visited)
}

func TestSweepPagesPastWorkflowsStillCoolingDown(t *testing.T) {
	f := newFixture(t)
	f.scheduler.cfg.SweepBatchSize = 2
	ctx := context.Background()

	a := f.failedInCaptioning(t)
	b := f.failedInCaptioning(t)
	f.clock.Advance(16 * time.Minute)
	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Reentered)
	f.exhaustCaptioning(t, a)
	f.exhaustCaptioning(t, b)

	f.clock.Advance(time.Minute)
	c := f.failedInCaptioning(t)

	f.clock.Advance(16 * time.Minute)
	report, err = f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Visited)
	assert.Equal(t, 2, report.NotDue, "second cooldown is 30m")
	assert.Equal(t, 1, report.Reentered)

	got, err := f.engine.Store().Get(ctx, c.Brand, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCaptioning, got.Stage)
	assert.Equal(t, 1, got.RetryCount)
}
