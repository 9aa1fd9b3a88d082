package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelflow/reelflow/pkg/engine"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

var ErrNotReplayable = errors.New("dead letter cannot be replayed")

// CallbackReplayer re-feeds a stored webhook body through the ingest path.
type CallbackReplayer interface {
	Replay(ctx context.Context, vendor, brand, workflowHint string, body []byte) error
}

type Reenterer interface {
	Reenter(ctx context.Context, brand, id string, opts engine.ReenterOptions) (*engine.Result, error)
}

// Service is the operator surface over the dead-letter log. Replays go back
// through the normal event paths and never write workflow fields directly.
type Service struct {
	store     store.DeadLetterStore
	callbacks CallbackReplayer
	engine    Reenterer
	now       func() time.Time
}

func NewService(st store.DeadLetterStore, callbacks CallbackReplayer, eng Reenterer) *Service {
	return &Service{store: st, callbacks: callbacks, engine: eng, now: time.Now}
}

func (s *Service) List(ctx context.Context, filter store.DeadLetterFilter) ([]model.DeadLetter, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.List(ctx, filter)
}

func (s *Service) Get(ctx context.Context, id string) (*model.DeadLetter, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Resolve(ctx context.Context, id, notes string) error {
	return s.store.Resolve(ctx, id, notes, s.now())
}

func (s *Service) Replay(ctx context.Context, id string) error {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch entry.Kind {
	case model.DeadLetterUnparseable:
		if s.callbacks == nil || entry.Vendor == "" || entry.Brand == "" {
			return fmt.Errorf("%w: missing vendor or brand", ErrNotReplayable)
		}
		if err := s.callbacks.Replay(ctx, entry.Vendor, entry.Brand, entry.WorkflowID, []byte(entry.Body)); err != nil {
			return err
		}
	case model.DeadLetterRetriesExhausted, model.DeadLetterAdapterError:
		if entry.WorkflowID == "" {
			return fmt.Errorf("%w: no workflow", ErrNotReplayable)
		}
		_, err := s.engine.Reenter(ctx, entry.Brand, entry.WorkflowID, engine.ReenterOptions{
			Source: model.SourceAdmin,
			Force:  true,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrNotReplayable, entry.Kind)
	}

	return s.store.MarkReplayed(ctx, id, s.now())
}
