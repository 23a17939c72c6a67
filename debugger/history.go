package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// HistoryQuery filters the historical errors store. Zero fields are
// ignored; results always come back newest-first.
type HistoryQuery struct {
	PipelineID   string
	Category     ErrorCategory
	Stage        PipelineStage
	MessageMatch string
	From         time.Time
	To           time.Time
	Limit        int
}

// HistoryDocument is one stored error with its run metadata.
type HistoryDocument struct {
	Partition  string        `db:"partition" json:"partition"`
	PipelineID string        `db:"pipeline_id" json:"pipeline_id"`
	Error      PipelineError `db:"-" json:"error"`
	StoredAt   time.Time     `db:"stored_at" json:"stored_at"`
}

// HistoryStore persists errors for future similarity queries, one document
// per error under the monthly partition <prefix><YYYY-MM>.
type HistoryStore interface {
	Index(ctx context.Context, pipelineID string, e *PipelineError) error
	Search(ctx context.Context, q HistoryQuery) ([]HistoryDocument, error)
}

// SQLHistoryStore is the PostgreSQL-backed history store.
type SQLHistoryStore struct {
	db     *sqlx.DB
	prefix string
	clock  contracts.Clock
	logger *logrus.Logger
}

// NewSQLHistoryStore wraps an open connection. prefix names the monthly
// partitions, e.g. "pipeline-errors-" yields "pipeline-errors-2026-08".
func NewSQLHistoryStore(db *sqlx.DB, prefix string, clock contracts.Clock, logger *logrus.Logger) *SQLHistoryStore {
	return &SQLHistoryStore{db: db, prefix: prefix, clock: clock, logger: logger}
}

// OpenSQLHistoryStore connects to PostgreSQL and ensures the schema.
func OpenSQLHistoryStore(ctx context.Context, dsn, prefix string, clock contracts.Clock, logger *logrus.Logger) (*SQLHistoryStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to history store: %w", err)
	}
	store := NewSQLHistoryStore(db, prefix, clock, logger)
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

const historySchema = `
CREATE TABLE IF NOT EXISTS pipeline_error_history (
	id          BIGSERIAL PRIMARY KEY,
	partition   TEXT        NOT NULL,
	pipeline_id TEXT        NOT NULL,
	error_id    TEXT        NOT NULL,
	category    TEXT        NOT NULL,
	stage       TEXT        NOT NULL,
	severity    TEXT        NOT NULL,
	message     TEXT        NOT NULL,
	document    JSONB       NOT NULL,
	stored_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_history_partition ON pipeline_error_history (partition);
CREATE INDEX IF NOT EXISTS idx_error_history_pipeline ON pipeline_error_history (pipeline_id);
CREATE INDEX IF NOT EXISTS idx_error_history_stored_at ON pipeline_error_history (stored_at DESC);
`

func (s *SQLHistoryStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, historySchema); err != nil {
		return fmt.Errorf("failed to ensure history schema: %w", err)
	}
	return nil
}

// Partition returns the monthly partition key for t.
func (s *SQLHistoryStore) Partition(t time.Time) string {
	return s.prefix + t.UTC().Format("2006-01")
}

// Index appends one document for e under the current monthly partition.
func (s *SQLHistoryStore) Index(ctx context.Context, pipelineID string, e *PipelineError) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal error document: %w", err)
	}
	now := s.clock.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_error_history
		 (partition, pipeline_id, error_id, category, stage, severity, message, document, stored_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.Partition(now), pipelineID, e.ErrorID, string(e.Category), string(e.Stage),
		string(e.Severity), e.Message, doc, now)
	if err != nil {
		return contracts.Wrap(contracts.KindTransient, err, "failed to index error %s", e.ErrorID)
	}
	return nil
}

// Search runs q against the store, newest-first.
func (s *SQLHistoryStore) Search(ctx context.Context, q HistoryQuery) ([]HistoryDocument, error) {
	query := `SELECT partition, pipeline_id, document, stored_at FROM pipeline_error_history WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.PipelineID != "" {
		query += " AND pipeline_id = " + arg(q.PipelineID)
	}
	if q.Category != "" {
		query += " AND category = " + arg(string(q.Category))
	}
	if q.Stage != "" {
		query += " AND stage = " + arg(string(q.Stage))
	}
	if q.MessageMatch != "" {
		query += " AND message ILIKE " + arg("%"+q.MessageMatch+"%")
	}
	if !q.From.IsZero() {
		query += " AND stored_at >= " + arg(q.From.UTC())
	}
	if !q.To.IsZero() {
		query += " AND stored_at <= " + arg(q.To.UTC())
	}
	query += " ORDER BY stored_at DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, err, "history search failed")
	}
	defer rows.Close()

	var docs []HistoryDocument
	for rows.Next() {
		var (
			partition, pipelineID string
			raw                   []byte
			storedAt              time.Time
		)
		if err := rows.Scan(&partition, &pipelineID, &raw, &storedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		var e PipelineError
		if err := json.Unmarshal(raw, &e); err != nil {
			s.logger.WithError(err).Warn("Skipping undecodable history document")
			continue
		}
		docs = append(docs, HistoryDocument{Partition: partition, PipelineID: pipelineID, Error: e, StoredAt: storedAt})
	}
	return docs, rows.Err()
}

// Probe exposes the store as a health probe.
func (s *SQLHistoryStore) Probe() contracts.HealthProbe {
	return contracts.ProbeFunc{ProbeName: "history-store", Fn: func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	}}
}
