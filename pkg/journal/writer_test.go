package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store/memory"
)

func TestWriterFlushesOnShutdown(t *testing.T) {
	st := memory.NewJournalStore()
	w := NewWriter(st, 16, 30, zap.NewNop())

	now := time.Now()
	w.Record(&model.TransitionRecord{WorkflowID: "wf-1", Brand: "acme", FromStage: model.StageCreated, ToStage: model.StageRendering, At: now})
	w.Record(&model.TransitionRecord{WorkflowID: "wf-1", Brand: "acme", FromStage: model.StageRendering, ToStage: model.StageCaptioning, At: now.Add(time.Second)})
	w.Record(&model.TransitionRecord{WorkflowID: "wf-2", Brand: "acme", ToStage: model.StageRendering, At: now})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	records, err := w.ListByWorkflow(context.Background(), "acme", "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.StageCaptioning, records[1].ToStage)
}

func TestWriterDropsWhenFull(t *testing.T) {
	w := NewWriter(memory.NewJournalStore(), 2, 0, zap.NewNop())
	for i := 0; i < 5; i++ {
		w.Record(&model.TransitionRecord{WorkflowID: "wf"})
	}
	assert.Len(t, w.queue, 2)
}

func TestMemoryJournalRetention(t *testing.T) {
	st := memory.NewJournalStore()
	old := time.Now().AddDate(0, 0, -40)
	require.NoError(t, st.CreateBatch(context.Background(), []*model.TransitionRecord{
		{WorkflowID: "wf", Brand: "acme", At: old},
		{WorkflowID: "wf", Brand: "acme", At: time.Now()},
	}))
	require.NoError(t, st.DeleteOlderThan(context.Background(), 30))

	records, err := st.ListByWorkflow(context.Background(), "acme", "wf", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
