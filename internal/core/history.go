package core

// history.go keeps the run history.
//
// PostgresRunStore persists summaries to the etl_runs table. MemoryRunStore
// is a bounded ring used when no database is configured; it forgets the
// oldest run once full.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DefaultMemoryHistory is the capacity of a MemoryRunStore.
const DefaultMemoryHistory = 500

// MemoryRunStore is an in-process RunStore.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs []RunSummary // oldest first
	max  int
}

// NewMemoryRunStore creates a store holding at most capacity runs.
func NewMemoryRunStore(capacity int) *MemoryRunStore {
	if capacity <= 0 {
		capacity = DefaultMemoryHistory
	}
	return &MemoryRunStore{max: capacity}
}

// Record appends a run, evicting the oldest when full.
func (m *MemoryRunStore) Record(_ context.Context, run RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append(m.runs, run)
	if over := len(m.runs) - m.max; over > 0 {
		m.runs = append(m.runs[:0:0], m.runs[over:]...)
	}
	return nil
}

// List returns up to limit runs, newest first.
func (m *MemoryRunStore) List(_ context.Context, limit int) ([]RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.runs) {
		limit = len(m.runs)
	}
	out := make([]RunSummary, 0, limit)
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

// Purge removes runs started before olderThan.
func (m *MemoryRunStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.runs[:0]
	for _, r := range m.runs {
		if !r.StartedAt.Before(olderThan) {
			kept = append(kept, r)
		}
	}
	purged := int64(len(m.runs) - len(kept))
	m.runs = kept
	return purged, nil
}

// DBTX is the subset of pgxpool.Pool used by PostgresRunStore.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRunStore persists run summaries in PostgreSQL.
type PostgresRunStore struct {
	db DBTX
}

// NewPostgresRunStore creates a store on db (usually a *pgxpool.Pool).
func NewPostgresRunStore(db DBTX) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

const runsSchema = `
CREATE TABLE IF NOT EXISTS etl_runs (
    run_id         UUID PRIMARY KEY,
    trigger        TEXT        NOT NULL,
    source_url     TEXT        NOT NULL,
    fallback_used  BOOLEAN     NOT NULL,
    metrics_source TEXT        NOT NULL,
    fallback_code  TEXT,
    rows_in        INTEGER     NOT NULL,
    rows_out       INTEGER     NOT NULL,
    dedup_removed  INTEGER     NOT NULL,
    countries      INTEGER     NOT NULL,
    rows_invalid   INTEGER     NOT NULL,
    last_record    TEXT,
    fetched_at     TIMESTAMPTZ NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    duration_ms    BIGINT      NOT NULL
);
CREATE INDEX IF NOT EXISTS etl_runs_started_at_idx ON etl_runs (started_at DESC);
`

// EnsureSchema creates the etl_runs table if it does not exist.
func (p *PostgresRunStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, runsSchema); err != nil {
		return fmt.Errorf("create etl_runs: %w", err)
	}
	return nil
}

// Record inserts a run summary.
func (p *PostgresRunStore) Record(ctx context.Context, run RunSummary) error {
	const query = `
INSERT INTO etl_runs (
    run_id, trigger, source_url, fallback_used, metrics_source, fallback_code,
    rows_in, rows_out, dedup_removed, countries, rows_invalid, last_record,
    fetched_at, started_at, duration_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (run_id) DO NOTHING`

	m := run.Metrics
	_, err := p.db.Exec(ctx, query,
		ToPgUUID(run.RunID),
		run.Trigger,
		run.SourceURL,
		run.FallbackUsed,
		string(run.MetricsSource),
		ToPgText(run.FallbackCode),
		m.RowsIn, m.RowsOut, m.DedupRemoved, m.Countries, m.RowsInvalid,
		FieldToPgText(m.LastRecord),
		run.FetchedAt,
		run.StartedAt,
		run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	return nil
}

// List returns up to limit runs, newest first.
func (p *PostgresRunStore) List(ctx context.Context, limit int) ([]RunSummary, error) {
	const query = `
SELECT run_id, trigger, source_url, fallback_used, metrics_source, fallback_code,
       rows_in, rows_out, dedup_removed, countries, rows_invalid, last_record,
       fetched_at, started_at, duration_ms
FROM etl_runs
ORDER BY started_at DESC
LIMIT $1`

	rows, err := p.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, scanRunSummary)
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return runs, nil
}

func scanRunSummary(row pgx.CollectableRow) (RunSummary, error) {
	var (
		r            RunSummary
		id           pgtype.UUID
		source       string
		fallbackCode pgtype.Text
		lastRecord   pgtype.Text
	)
	err := row.Scan(
		&id, &r.Trigger, &r.SourceURL, &r.FallbackUsed, &source, &fallbackCode,
		&r.Metrics.RowsIn, &r.Metrics.RowsOut, &r.Metrics.DedupRemoved,
		&r.Metrics.Countries, &r.Metrics.RowsInvalid, &lastRecord,
		&r.FetchedAt, &r.StartedAt, &r.DurationMs,
	)
	if err != nil {
		return RunSummary{}, err
	}
	r.RunID = PgUUIDToString(id)
	r.MetricsSource = MetricsSource(source)
	r.FallbackCode = fallbackCode.String
	r.Metrics.LastRecord = PgTextToField(lastRecord)
	return r, nil
}

// Purge deletes runs started before olderThan.
func (p *PostgresRunStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, "DELETE FROM etl_runs WHERE started_at < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
