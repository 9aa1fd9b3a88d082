package engine

import (
	"errors"
	"fmt"

	"github.com/reelflow/reelflow/pkg/model"
)

var (
	ErrUnknownStage  = errors.New("stage is not part of the pipeline")
	ErrUnknownBrand  = errors.New("brand is not configured")
	ErrInvalidInput  = errors.New("invalid workflow input")
	ErrInvalidEvent  = errors.New("invalid stage event")
	ErrNotStartable  = errors.New("workflow has already been started")
	ErrNotRetryable  = errors.New("workflow is not eligible for retry")
	ErrNotCancelable = errors.New("workflow has already completed")
)

// SubmitError means entering a new stage failed with a transient vendor
// error and the whole transition was rolled back. The event that caused it
// should be redelivered.
type SubmitError struct {
	Stage model.Stage
	Err   error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Stage, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}
