package memory

import (
	"context"
	"sync"
	"time"

	"github.com/reelflow/reelflow/pkg/model"
)

type JournalStore struct {
	mu      sync.Mutex
	records []model.TransitionRecord
}

func NewJournalStore() *JournalStore {
	return &JournalStore{}
}

func (s *JournalStore) CreateBatch(ctx context.Context, records []*model.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		s.records = append(s.records, *rec)
	}
	return nil
}

func (s *JournalStore) ListByWorkflow(ctx context.Context, brand, workflowID string, limit int) ([]model.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TransitionRecord
	for _, rec := range s.records {
		if rec.Brand == brand && rec.WorkflowID == workflowID {
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *JournalStore) DeleteOlderThan(ctx context.Context, retentionDays int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	kept := s.records[:0]
	for _, rec := range s.records {
		if !rec.At.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	return nil
}

func (s *JournalStore) Close() error {
	return nil
}
