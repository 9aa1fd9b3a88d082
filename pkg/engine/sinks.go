package engine

import (
	"context"

	"github.com/reelflow/reelflow/pkg/model"
)

// Journal receives a record of every committed change. Record must not block.
type Journal interface {
	Record(rec *model.TransitionRecord)
}

// DeadLetterSink receives entries for operator follow-up. Record must not block.
type DeadLetterSink interface {
	Record(entry *model.DeadLetter)
}

// Notifier is told about stage changes after they commit.
type Notifier interface {
	StageChanged(ctx context.Context, wf *model.Workflow, from model.Stage)
}

type nopJournal struct{}

func (nopJournal) Record(*model.TransitionRecord) {}

type nopDeadLetters struct{}

func (nopDeadLetters) Record(*model.DeadLetter) {}

type nopNotifier struct{}

func (nopNotifier) StageChanged(context.Context, *model.Workflow, model.Stage) {}
