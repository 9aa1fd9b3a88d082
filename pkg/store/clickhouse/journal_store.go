package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/model"
)

// JournalStore keeps the transition journal in ClickHouse for deployments
// that want it off the primary database.
type JournalStore struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewJournalStore(cfg *config.ClickHouseConfig, logger *zap.Logger) (*JournalStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &JournalStore{
		conn:   conn,
		logger: logger,
	}, nil
}

func (s *JournalStore) CreateBatch(ctx context.Context, records []*model.TransitionRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO workflow_transitions")
	if err != nil {
		return err
	}

	for _, rec := range records {
		err := batch.Append(
			rec.Brand,
			rec.WorkflowID,
			rec.At,
			string(rec.FromStage),
			string(rec.ToStage),
			string(rec.Source),
			string(rec.Outcome),
			rec.VendorJobID,
			int32(rec.Attempt),
			int32(rec.RetryCount),
			rec.Error,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (s *JournalStore) ListByWorkflow(ctx context.Context, brand, workflowID string, limit int) ([]model.TransitionRecord, error) {
	query := `SELECT brand, workflow_id, at, from_stage, to_stage, source, outcome, vendor_job_id, attempt, retry_count, error
		FROM workflow_transitions WHERE brand = ? AND workflow_id = ? ORDER BY at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.conn.Query(ctx, query, brand, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.TransitionRecord
	for rows.Next() {
		var (
			rec                       model.TransitionRecord
			from, to, source, outcome string
			attempt, retryCount       int32
		)
		if err := rows.Scan(
			&rec.Brand,
			&rec.WorkflowID,
			&rec.At,
			&from,
			&to,
			&source,
			&outcome,
			&rec.VendorJobID,
			&attempt,
			&retryCount,
			&rec.Error,
		); err != nil {
			return nil, err
		}
		rec.FromStage = model.Stage(from)
		rec.ToStage = model.Stage(to)
		rec.Source = model.EventSource(source)
		rec.Outcome = model.Outcome(outcome)
		rec.Attempt = int(attempt)
		rec.RetryCount = int(retryCount)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// DeleteOlderThan issues a mutation for rows past retention. The table TTL
// covers the common case; this handles a retention shorter than the TTL.
func (s *JournalStore) DeleteOlderThan(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return s.conn.Exec(ctx, "ALTER TABLE workflow_transitions DELETE WHERE at < ?", cutoff)
}

func (s *JournalStore) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the table if not exists
func (s *JournalStore) EnsureSchema(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS workflow_transitions (
		brand LowCardinality(String),
		workflow_id String,
		at DateTime64(3) Codec(Delta, ZSTD),
		from_stage LowCardinality(String),
		to_stage LowCardinality(String),
		source LowCardinality(String),
		outcome LowCardinality(String),
		vendor_job_id String,
		attempt Int32,
		retry_count Int32,
		error String Codec(ZSTD)
	)
	ENGINE = MergeTree()
	ORDER BY (brand, workflow_id, at)
	PARTITION BY toYYYYMMDD(at)
	TTL toDateTime(at) + INTERVAL %d DAY
	`, retentionDays)
	s.logger.Debug("ensuring clickhouse journal schema", zap.Int("retention_days", retentionDays))
	return s.conn.Exec(ctx, query)
}
