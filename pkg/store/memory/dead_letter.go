package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

type DeadLetterStore struct {
	mu      sync.Mutex
	entries map[string]*model.DeadLetter
}

func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{entries: make(map[string]*model.DeadLetter)}
}

func (s *DeadLetterStore) Append(ctx context.Context, entry *model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; ok {
		return store.ErrExists
	}
	copied := *entry
	copied.Headers = entry.Headers.Clone()
	s.entries[entry.ID] = &copied
	return nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter store.DeadLetterFilter) ([]model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.DeadLetter, 0, len(s.entries))
	for _, entry := range s.entries {
		if filter.Brand != "" && entry.Brand != filter.Brand {
			continue
		}
		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		if filter.Resolved != nil && entry.Resolved != *filter.Resolved {
			continue
		}
		out = append(out, *entry)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *DeadLetterStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	entry.Replayed = true
	entry.ReplayedAt = &at
	return nil
}

func (s *DeadLetterStore) Resolve(ctx context.Context, id, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	entry.Resolved = true
	entry.ResolvedAt = &at
	if notes != "" {
		entry.Notes = notes
	}
	return nil
}
