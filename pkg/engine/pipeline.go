package engine

import (
	"fmt"

	"github.com/reelflow/reelflow/pkg/model"
)

// Pipeline is the fixed order in which a workflow visits vendor stages.
type Pipeline []model.Stage

func DefaultPipeline() Pipeline {
	return Pipeline{model.StageRendering, model.StageCaptioning, model.StagePublishing}
}

func (p Pipeline) First() model.Stage {
	if len(p) == 0 {
		return model.StageCompleted
	}
	return p[0]
}

// Next returns the stage after s, or StageCompleted after the last one.
func (p Pipeline) Next(s model.Stage) (model.Stage, error) {
	for i, stage := range p {
		if stage != s {
			continue
		}
		if i == len(p)-1 {
			return model.StageCompleted, nil
		}
		return p[i+1], nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
}

func (p Pipeline) Contains(s model.Stage) bool {
	for _, stage := range p {
		if stage == s {
			return true
		}
	}
	return false
}

// ResumePoint is the first stage whose output is not already cached on wf.
func (p Pipeline) ResumePoint(wf *model.Workflow) model.Stage {
	for _, stage := range p {
		if !wf.Artifacts.Has(stage) {
			return stage
		}
	}
	if p.Contains(wf.FailedStage) {
		return wf.FailedStage
	}
	return p.First()
}
