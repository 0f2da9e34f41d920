package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"coinsnap/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ RowBackend = (*SQLiteStore)(nil)
var _ QueueBackend = (*SQLiteStore)(nil)

// SQLiteStore implements RowBackend and QueueBackend in one SQLite database.
// The UNIQUE(id, date) constraint on market_rows backs the one-row-per-key
// invariant at the medium level.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS market_rows (
	seq                   INTEGER PRIMARY KEY AUTOINCREMENT,
	id                    TEXT NOT NULL,
	symbol                TEXT NOT NULL DEFAULT '',
	name                  TEXT NOT NULL DEFAULT '',
	date                  TEXT NOT NULL,
	current_price         REAL NOT NULL,
	market_cap            REAL NOT NULL DEFAULT 0,
	total_volume          REAL NOT NULL DEFAULT 0,
	return_1d             REAL,
	return_7d             REAL,
	return_30d            REAL,
	last_pipeline_run_utc TEXT NOT NULL DEFAULT '',
	UNIQUE (id, date)
);
CREATE TABLE IF NOT EXISTS retry_queue (
	id               TEXT NOT NULL,
	symbol           TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL DEFAULT '',
	date             TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'queued',
	first_seen_utc   TEXT NOT NULL DEFAULT '',
	last_attempt_utc TEXT NOT NULL DEFAULT '',
	pos              INTEGER NOT NULL,
	PRIMARY KEY (id, date)
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// tables if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, &domain.PersistenceError{Op: "mkdir", Path: dbPath, Err: err}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "open", Path: dbPath, Err: err}
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, &domain.PersistenceError{Op: "migrate", Path: dbPath, Err: err}
		}
	}
	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Location returns the database path.
func (s *SQLiteStore) Location() string { return s.path }

func (s *SQLiteStore) fail(op string, err error) error {
	return &domain.PersistenceError{Op: op, Path: s.path, Err: err}
}

// ---------------------------------------------------------------------------
// RowBackend implementation
// ---------------------------------------------------------------------------

// LoadRows returns all rows in insertion order.
func (s *SQLiteStore) LoadRows(ctx context.Context) ([]domain.MarketRow, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, name, date, current_price, market_cap, total_volume,
		       return_1d, return_7d, return_30d, last_pipeline_run_utc
		FROM market_rows ORDER BY seq`)
	if err != nil {
		return nil, s.fail("query rows", err)
	}
	defer rs.Close()

	var rows []domain.MarketRow
	for rs.Next() {
		var (
			r           domain.MarketRow
			date, run   string
			r1, r7, r30 sql.NullFloat64
		)
		if err := rs.Scan(&r.ID, &r.Symbol, &r.Name, &date, &r.Price, &r.MarketCap, &r.Volume,
			&r1, &r7, &r30, &run); err != nil {
			return nil, s.fail("scan row", err)
		}
		if r.Date, err = domain.ParseDate(date); err != nil {
			return nil, s.fail("scan row", fmt.Errorf("date %q: %w", date, err))
		}
		r.Return1D, r.Return7D, r.Return30D = nullable(r1), nullable(r7), nullable(r30)
		r.PipelineRun = parseTime(run)
		rows = append(rows, r)
	}
	if err := rs.Err(); err != nil {
		return nil, s.fail("query rows", err)
	}
	return rows, nil
}

const insertRowSQL = `
	INSERT INTO market_rows (id, symbol, name, date, current_price, market_cap, total_volume,
	                         return_1d, return_7d, return_30d, last_pipeline_run_utc)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRow(ctx context.Context, db execer, r domain.MarketRow) error {
	_, err := db.ExecContext(ctx, insertRowSQL,
		r.ID, r.Symbol, r.Name, domain.FormatDate(r.Date), r.Price, r.MarketCap, r.Volume,
		nullFloat(r.Return1D), nullFloat(r.Return7D), nullFloat(r.Return30D), formatTime(r.PipelineRun))
	return err
}

// AppendRow inserts one row. A duplicate key violates the UNIQUE constraint
// and is reported as a persistence error.
func (s *SQLiteStore) AppendRow(ctx context.Context, row domain.MarketRow) error {
	if err := insertRow(ctx, s.db, row); err != nil {
		return s.fail("append row", err)
	}
	return nil
}

// ReplaceRows swaps the whole table content inside one transaction.
func (s *SQLiteStore) ReplaceRows(ctx context.Context, rows []domain.MarketRow) error {
	return s.inTx(ctx, "replace rows", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM market_rows"); err != nil {
			return err
		}
		for _, r := range rows {
			if err := insertRow(ctx, tx, r); err != nil {
				return fmt.Errorf("%s: %w", r.Key(), err)
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// QueueBackend implementation
// ---------------------------------------------------------------------------

// LoadQueue returns all queue items in stored order.
func (s *SQLiteStore) LoadQueue(ctx context.Context) ([]domain.QueueItem, error) {
	rs, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, name, date, attempts, last_error, status, first_seen_utc, last_attempt_utc
		FROM retry_queue ORDER BY pos`)
	if err != nil {
		return nil, s.fail("query queue", err)
	}
	defer rs.Close()

	var items []domain.QueueItem
	for rs.Next() {
		var (
			it                domain.QueueItem
			date, status      string
			firstSeen, lastAt string
		)
		if err := rs.Scan(&it.ID, &it.Symbol, &it.Name, &date, &it.Attempts, &it.LastError,
			&status, &firstSeen, &lastAt); err != nil {
			return nil, s.fail("scan queue", err)
		}
		if it.Date, err = domain.ParseDate(date); err != nil {
			return nil, s.fail("scan queue", fmt.Errorf("date %q: %w", date, err))
		}
		it.Status = domain.QueueStatus(status)
		it.FirstSeen = parseTime(firstSeen)
		it.LastAttempt = parseTime(lastAt)
		items = append(items, it)
	}
	if err := rs.Err(); err != nil {
		return nil, s.fail("query queue", err)
	}
	return items, nil
}

// ReplaceQueue swaps the whole queue inside one transaction.
func (s *SQLiteStore) ReplaceQueue(ctx context.Context, items []domain.QueueItem) error {
	return s.inTx(ctx, "replace queue", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM retry_queue"); err != nil {
			return err
		}
		for i, it := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO retry_queue (id, symbol, name, date, attempts, last_error, status,
				                         first_seen_utc, last_attempt_utc, pos)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				it.ID, it.Symbol, it.Name, domain.FormatDate(it.Date), it.Attempts, it.LastError,
				string(it.Status), formatTime(it.FirstSeen), formatTime(it.LastAttempt), i)
			if err != nil {
				return fmt.Errorf("%s: %w", it.Key(), err)
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return s.fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail(op, err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
