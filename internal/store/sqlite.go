package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps used in
// range queries are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	plan_name  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    TEXT,
	created_ms INTEGER NOT NULL,
	updated_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS row_outcomes (
	run_id             TEXT NOT NULL REFERENCES runs(id),
	row_index          INTEGER NOT NULL,
	row_id             TEXT NOT NULL,
	state              TEXT NOT NULL,
	overall_match      INTEGER NOT NULL,
	overall_confidence REAL NOT NULL,
	meets_threshold    INTEGER NOT NULL,
	outcome            TEXT NOT NULL,
	created_ms         INTEGER NOT NULL,
	PRIMARY KEY (run_id, row_index)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	row_index      INTEGER NOT NULL,
	row_id         TEXT NOT NULL,
	row_data       TEXT NOT NULL,
	target_url     TEXT,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_phase   TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_ms  INTEGER NOT NULL,
	created_ms     INTEGER NOT NULL,
	last_failed_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_ms);
CREATE INDEX IF NOT EXISTS idx_row_outcomes_created ON row_outcomes(created_ms);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_ms);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func (s *SQLiteStore) CreateRun(ctx context.Context, source, planName string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, plan_name, status, created_ms, updated_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		id, source, planName, string(model.RunStatusRunning), ms(now), ms(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Source:    source,
		PlanName:  planName,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_ms = ? WHERE id = ?`,
		string(status), ms(time.Now()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET summary = ?, status = ?, updated_ms = ? WHERE id = ?`,
		string(summaryJSON), string(status), ms(time.Now()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, plan_name, status, summary, created_ms, updated_ms FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source, plan_name, status, summary, created_ms, updated_ms FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PlanName != "" {
		query += ` AND plan_name = ?`
		args = append(args, filter.PlanName)
	}
	query += ` ORDER BY created_ms DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveRowOutcome(ctx context.Context, o *model.RowOutcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal row outcome")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO row_outcomes (run_id, row_index, row_id, state, overall_match, overall_confidence, meets_threshold, outcome, created_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, row_index) DO UPDATE SET
		   row_id = excluded.row_id, state = excluded.state, overall_match = excluded.overall_match,
		   overall_confidence = excluded.overall_confidence, meets_threshold = excluded.meets_threshold,
		   outcome = excluded.outcome, created_ms = excluded.created_ms`,
		o.RunID, o.RowIndex, o.RowID, string(o.State), o.OverallMatch, o.OverallConfidence, o.MeetsThreshold,
		string(data), ms(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: save row outcome %s/%d", o.RunID, o.RowIndex)
}

func (s *SQLiteStore) ListRowOutcomes(ctx context.Context, runID string) ([]model.RowOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome FROM row_outcomes WHERE run_id = ? ORDER BY row_index`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list row outcomes")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RowOutcome
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan row outcome")
		}
		var o model.RowOutcome
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal row outcome")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list row outcomes iterate")
}

func (s *SQLiteStore) RowStats(ctx context.Context, since time.Time) (RowStats, error) {
	var st RowStats
	var mean sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN overall_match = 1 AND state != 'failed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0),
		        AVG(overall_confidence)
		 FROM row_outcomes WHERE created_ms >= ?`,
		ms(since),
	).Scan(&st.Total, &st.Matched, &st.Failed, &mean)
	if err != nil {
		return RowStats{}, eris.Wrap(err, "sqlite: row stats")
	}
	st.MeanConfidence = mean.Float64
	return st, nil
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	rowJSON, err := json.Marshal(entry.Row)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq row")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, run_id, row_index, row_id, row_data, target_url, error, error_type, failed_phase,
		  retry_count, max_retries, next_retry_ms, created_ms, last_failed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, failed_phase = excluded.failed_phase,
		   retry_count = excluded.retry_count, next_retry_ms = excluded.next_retry_ms,
		   last_failed_ms = excluded.last_failed_ms`,
		entry.ID, entry.RunID, entry.RowIndex, entry.RowID, string(rowJSON), entry.TargetURL,
		entry.Error, entry.ErrorType, entry.FailedPhase, entry.RetryCount, entry.MaxRetries,
		ms(entry.NextRetryAt), ms(entry.CreatedAt), ms(entry.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, run_id, row_index, row_id, row_data, target_url, error, error_type, failed_phase,
	                 retry_count, max_retries, next_retry_ms, created_ms, last_failed_ms
	          FROM dead_letter_queue
	          WHERE next_retry_ms <= ? AND retry_count < max_retries`
	args := []any{ms(time.Now())}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY next_retry_ms ASC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var rowJSON string
		var targetURL, failedPhase sql.NullString
		var next, created, lastFailed int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.RowIndex, &e.RowID, &rowJSON, &targetURL,
			&e.Error, &e.ErrorType, &failedPhase, &e.RetryCount, &e.MaxRetries,
			&next, &created, &lastFailed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.TargetURL = targetURL.String
		e.FailedPhase = failedPhase.String
		e.NextRetryAt, e.CreatedAt, e.LastFailedAt = fromMs(next), fromMs(created), fromMs(lastFailed)
		if err := json.Unmarshal([]byte(rowJSON), &e.Row); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq row")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_ms = ?, error = ?, last_failed_ms = ?
		 WHERE id = ?`,
		ms(nextRetryAt), lastErr, ms(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var summaryJSON sql.NullString
	var created, updated int64

	err := row.Scan(&r.ID, &r.Source, &r.PlanName, &r.Status, &summaryJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.CreatedAt, r.UpdatedAt = fromMs(created), fromMs(updated)

	if summaryJSON.Valid && summaryJSON.String != "null" {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}
