package store

import (
	"context"
	"errors"
	"time"

	"github.com/reelflow/reelflow/pkg/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means another writer changed the record between read and write.
	ErrConflict = errors.New("concurrent modification")
	ErrExists   = errors.New("record already exists")
)

// Mutation describes the outcome of a MutateFunc. When Changed is false the
// record is left untouched; Event, if set, is written in the same transaction.
type Mutation struct {
	Changed bool
	Event   *model.WorkflowEvent
}

// MutateFunc receives a private copy of the current record. Returning an
// error discards every change made to it.
type MutateFunc func(wf *model.Workflow) (Mutation, error)

// Cursor is a keyset position for the sweep queries. The zero Cursor
// starts at the first row.
type Cursor struct {
	At    time.Time
	Brand string
	ID    string
}

func (c Cursor) IsZero() bool {
	return c.At.IsZero() && c.Brand == "" && c.ID == ""
}

// Precedes reports whether c sorts strictly before the row (at, brand, id).
func (c Cursor) Precedes(at time.Time, brand, id string) bool {
	if !c.At.Equal(at) {
		return c.At.Before(at)
	}
	if c.Brand != brand {
		return c.Brand < brand
	}
	return c.ID < id
}

type WorkflowFilter struct {
	Brand  string
	Stage  *model.Stage
	Limit  int
	Offset int
}

// WorkflowStore is the single source of truth for workflow state.
type WorkflowStore interface {
	Create(ctx context.Context, wf *model.Workflow) error
	Get(ctx context.Context, brand, id string) (*model.Workflow, error)

	// FindByExternalRef resolves a vendor job id, current or superseded, to its workflow.
	FindByExternalRef(ctx context.Context, brand, vendorJobID string) (*model.Workflow, error)

	// Mutate applies fn under a per-record exclusive lock and commits the
	// result with a version check. It is the only write path after Create.
	Mutate(ctx context.Context, brand, id string, fn MutateFunc) (*model.Workflow, error)

	// ListStalled returns workflows in stage whose StageEnteredAt is before
	// cutoff, across brands, ordered by (StageEnteredAt, Brand, ID) and
	// starting strictly after the cursor.
	ListStalled(ctx context.Context, stage model.Stage, cutoff time.Time, after Cursor, limit int) ([]model.Workflow, error)

	// ListFailed returns failed workflows still eligible for scheduled retry,
	// ordered by (UpdatedAt, Brand, ID) and starting strictly after the cursor.
	ListFailed(ctx context.Context, maxRetryCount int, updatedBefore time.Time, after Cursor, limit int) ([]model.Workflow, error)

	List(ctx context.Context, filter WorkflowFilter) ([]model.Workflow, int64, error)
}

type DeadLetterFilter struct {
	Brand    string
	Kind     model.DeadLetterKind
	Resolved *bool
	Limit    int
}

// DeadLetterStore is the append-only operator log of unresolvable events.
type DeadLetterStore interface {
	Append(ctx context.Context, entry *model.DeadLetter) error
	Get(ctx context.Context, id string) (*model.DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
	Resolve(ctx context.Context, id, notes string, at time.Time) error
}
