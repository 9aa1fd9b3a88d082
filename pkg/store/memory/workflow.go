// Package memory provides in-process implementations of the store interfaces.
// They back the engine in development mode and in tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

type WorkflowStore struct {
	mu      sync.RWMutex
	records map[string]*model.Workflow
	events  []*model.WorkflowEvent

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{
		records: make(map[string]*model.Workflow),
		locks:   make(map[string]*sync.Mutex),
	}
}

func key(brand, id string) string {
	return brand + "/" + id
}

func (s *WorkflowStore) Create(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(wf.Brand, wf.ID)
	if _, ok := s.records[k]; ok {
		return store.ErrExists
	}
	s.records[k] = wf.Clone()
	return nil
}

func (s *WorkflowStore) Get(ctx context.Context, brand, id string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.records[key(brand, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return wf.Clone(), nil
}

func (s *WorkflowStore) FindByExternalRef(ctx context.Context, brand, vendorJobID string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, wf := range s.records {
		if wf.Brand != brand {
			continue
		}
		for _, ref := range wf.ExternalRefs {
			if ref == vendorJobID {
				return wf.Clone(), nil
			}
		}
		for _, ref := range wf.SupersededRefs {
			if strings.HasSuffix(ref, ":"+vendorJobID) {
				return wf.Clone(), nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *WorkflowStore) recordLock(k string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

func (s *WorkflowStore) Mutate(ctx context.Context, brand, id string, fn store.MutateFunc) (*model.Workflow, error) {
	k := key(brand, id)
	l := s.recordLock(k)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, ok := s.records[k]
	if !ok {
		s.mu.RUnlock()
		return nil, store.ErrNotFound
	}
	working := current.Clone()
	s.mu.RUnlock()

	before := working.Version
	m, err := fn(working)
	if err != nil {
		return nil, err
	}
	if !m.Changed {
		return working, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[k].Version != before {
		return nil, store.ErrConflict
	}
	working.Version = before + 1
	s.records[k] = working.Clone()
	if m.Event != nil {
		s.events = append(s.events, m.Event)
	}
	return working, nil
}

func (s *WorkflowStore) ListStalled(ctx context.Context, stage model.Stage, cutoff time.Time, after store.Cursor, limit int) ([]model.Workflow, error) {
	return s.collect(limit, func(wf *model.Workflow) bool {
		return wf.Stage == stage && wf.StageEnteredAt.Before(cutoff) &&
			after.Precedes(wf.StageEnteredAt, wf.Brand, wf.ID)
	}, func(a, b *model.Workflow) bool {
		return store.Cursor{At: a.StageEnteredAt, Brand: a.Brand, ID: a.ID}.Precedes(b.StageEnteredAt, b.Brand, b.ID)
	}), nil
}

func (s *WorkflowStore) ListFailed(ctx context.Context, maxRetryCount int, updatedBefore time.Time, after store.Cursor, limit int) ([]model.Workflow, error) {
	return s.collect(limit, func(wf *model.Workflow) bool {
		return wf.Stage == model.StageFailed &&
			!wf.RetriesDisabled &&
			wf.RetryCount < maxRetryCount &&
			wf.UpdatedAt.Before(updatedBefore) &&
			after.Precedes(wf.UpdatedAt, wf.Brand, wf.ID)
	}, func(a, b *model.Workflow) bool {
		return store.Cursor{At: a.UpdatedAt, Brand: a.Brand, ID: a.ID}.Precedes(b.UpdatedAt, b.Brand, b.ID)
	}), nil
}

func (s *WorkflowStore) List(ctx context.Context, filter store.WorkflowFilter) ([]model.Workflow, int64, error) {
	all := s.collect(0, func(wf *model.Workflow) bool {
		if filter.Brand != "" && wf.Brand != filter.Brand {
			return false
		}
		return filter.Stage == nil || wf.Stage == *filter.Stage
	}, func(a, b *model.Workflow) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})

	total := int64(len(all))
	if filter.Offset >= len(all) {
		return []model.Workflow{}, total, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, total, nil
}

// Events returns the outbox rows written so far.
func (s *WorkflowStore) Events() []*model.WorkflowEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.WorkflowEvent(nil), s.events...)
}

func (s *WorkflowStore) collect(limit int, match func(*model.Workflow) bool, less func(a, b *model.Workflow) bool) []model.Workflow {
	s.mu.RLock()
	matched := make([]*model.Workflow, 0)
	for _, wf := range s.records {
		if match(wf) {
			matched = append(matched, wf.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return less(matched[i], matched[j])
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]model.Workflow, len(matched))
	for i := range matched {
		out[i] = *matched[i]
	}
	return out
}
