package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/store"
	"github.com/reelflow/reelflow/pkg/store/clickhouse"
	"github.com/reelflow/reelflow/pkg/store/memory"
	"github.com/reelflow/reelflow/pkg/store/postgres"
)

type stores struct {
	workflows   store.WorkflowStore
	deadLetters store.DeadLetterStore
	journal     store.JournalStore
	closers     []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func openStores(cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	var db *postgres.Store
	if cfg.Engine.StorageDriver == "memory" {
		logger.Warn("using in-memory workflow storage; state is lost on restart")
		s.workflows = memory.NewWorkflowStore()
		s.deadLetters = memory.NewDeadLetterStore()
	} else {
		var err error
		db, err = postgres.NewStore(&cfg.Database)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		if err := db.AutoMigrate(); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		s.workflows = postgres.NewWorkflowRepository(db.DB())
		s.deadLetters = postgres.NewDeadLetterRepository(db.DB())
	}

	switch {
	case cfg.Logging.JournalDriver == "clickhouse":
		logger.Info("using clickhouse for the transition journal")
		ch, err := clickhouse.NewJournalStore(&cfg.ClickHouse, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ch.EnsureSchema(ctx, cfg.Engine.JournalRetentionDays); err != nil {
			_ = ch.Close()
			s.Close()
			return nil, fmt.Errorf("prepare clickhouse journal: %w", err)
		}
		s.journal = ch
	case db != nil:
		logger.Info("using postgres for the transition journal")
		s.journal = postgres.NewJournalRepository(db.DB())
	default:
		s.journal = memory.NewJournalStore()
	}
	s.closers = append(s.closers, s.journal.Close)

	return s, nil
}
