package metrics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/metrics"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
	"github.com/reelflow/reelflow/pkg/store/memory"
)

func seed(t *testing.T, st *memory.WorkflowStore, brand, id string, stage model.Stage) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.Create(context.Background(), &model.Workflow{
		ID: id, Brand: brand, Stage: stage,
		CreatedAt: now, StageEnteredAt: now, UpdatedAt: now,
	}))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, brand, stage string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "reelflow_workflows_in_stage" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["brand"] == brand && labels["stage"] == stage {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("no sample for brand=%s stage=%s", brand, stage)
	return 0
}

func TestCollectorCountsPerBrandAndStage(t *testing.T) {
	st := memory.NewWorkflowStore()
	seed(t, st, "acme", "w1", model.StageRendering)
	seed(t, st, "acme", "w2", model.StageRendering)
	seed(t, st, "acme", "w3", model.StageFailed)
	seed(t, st, "globex", "w1", model.StagePublishing)

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(st, []string{"acme", "globex"}, zap.NewNop(), reg)
	require.NoError(t, c.Collect(context.Background()))

	assert.Equal(t, 2.0, gaugeValue(t, reg, "acme", "rendering"))
	assert.Equal(t, 1.0, gaugeValue(t, reg, "acme", "failed"))
	assert.Equal(t, 0.0, gaugeValue(t, reg, "acme", "publishing"))
	assert.Equal(t, 1.0, gaugeValue(t, reg, "globex", "publishing"))
}

func TestCollectorWithoutBrandListAggregates(t *testing.T) {
	st := memory.NewWorkflowStore()
	seed(t, st, "acme", "w1", model.StageCaptioning)
	seed(t, st, "globex", "w1", model.StageCaptioning)

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(st, nil, zap.NewNop(), reg)
	require.NoError(t, c.Collect(context.Background()))

	assert.Equal(t, 2.0, gaugeValue(t, reg, "*", "captioning"))
}

type failingCounter struct{}

func (failingCounter) List(context.Context, store.WorkflowFilter) ([]model.Workflow, int64, error) {
	return nil, 0, errors.New("connection refused")
}

func TestCollectorReportsStoreErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(failingCounter{}, []string{"acme"}, zap.NewNop(), reg)

	err := c.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	families, err := reg.Gather()
	require.NoError(t, err)
	var errorsTotal float64
	for _, mf := range families {
		if mf.GetName() == "reelflow_occupancy_collect_errors_total" {
			errorsTotal = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(6), errorsTotal)
}
