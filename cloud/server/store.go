package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/firewatch-iot/firewatch/pkg/models"
)

// historyOrder fixes the direction of a history query. The store, not
// the caller, performs the ordering so that no client ever re-sorts.
type historyOrder int

const (
	orderDescending historyOrder = iota // newest first, for tabular views
	orderAscending                      // oldest first, for charting
)

// store is the persistence boundary: one atomically-overwritten current
// slot plus an append-only history, queried as "last N by timestamp".
// Implementations must guarantee that Ingest either applies both the
// snapshot overwrite and the history append, or reports an error with
// no half-applied write.
type store interface {
	Ingest(ctx context.Context, cr models.ClassifiedReading) error
	// Current returns the latest snapshot, or nil before the first ingest.
	Current(ctx context.Context) (*models.ClassifiedReading, error)
	// History returns at most limit of the most recent entries in the
	// requested order. A limit larger than the available data is not an
	// error; the result simply holds what exists.
	History(ctx context.Context, limit int, ord historyOrder) ([]models.ClassifiedReading, error)
	// DeleteAll clears history and reports how many entries were removed.
	// The current snapshot is left intact.
	DeleteAll(ctx context.Context) (int64, error)
	// DeleteBefore removes history entries with timestamp <= cutoff.
	DeleteBefore(ctx context.Context, cutoff int64) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// newStore builds the configured store driver.
func newStore(ctx context.Context, cfg config) (store, error) {
	switch cfg.storeDriver {
	case "sqlite":
		return openSQLiteStore(cfg.sqlitePath)
	case "redis":
		return openRedisStore(ctx, cfg.redisAddr)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.storeDriver)
	}
}

// sqliteStore keeps telemetry in an embedded SQLite database. Opened
// with WAL mode and a single writer connection, so concurrent requests
// serialise on writes while reads proceed; Ingest runs the snapshot
// overwrite and the history append in one transaction.
type sqliteStore struct {
	db *sql.DB
}

// openSQLiteStore opens (or creates) the database at path and runs the
// schema migration. ":memory:" is accepted for tests.
func openSQLiteStore(path string) (*sqliteStore, error) {
	// ?_journal_mode=WAL allows concurrent readers alongside one writer.
	// ?_busy_timeout=5000 retries for up to 5 s on lock contention.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Limit to one writer connection to avoid SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS current (
    slot        INTEGER PRIMARY KEY CHECK (slot = 1),
    smoke       INTEGER NOT NULL,
    temperature REAL    NOT NULL,
    humidity    REAL    NOT NULL,
    ts          INTEGER NOT NULL,
    status      TEXT    NOT NULL,
    level       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    smoke       INTEGER NOT NULL,
    temperature REAL    NOT NULL,
    humidity    REAL    NOT NULL,
    ts          INTEGER NOT NULL,
    status      TEXT    NOT NULL,
    level       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_ts ON history (ts DESC, id DESC);
`)
	return err
}

func (s *sqliteStore) Ingest(ctx context.Context, cr models.ClassifiedReading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO current (slot, smoke, temperature, humidity, ts, status, level)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
		     smoke = excluded.smoke,
		     temperature = excluded.temperature,
		     humidity = excluded.humidity,
		     ts = excluded.ts,
		     status = excluded.status,
		     level = excluded.level`,
		cr.Smoke, cr.Temperature, cr.Humidity, cr.Timestamp, string(cr.Status), cr.Level,
	)
	if err != nil {
		return fmt.Errorf("overwrite current: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (smoke, temperature, humidity, ts, status, level)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cr.Smoke, cr.Temperature, cr.Humidity, cr.Timestamp, string(cr.Status), cr.Level,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest tx: %w", err)
	}
	return nil
}

func (s *sqliteStore) Current(ctx context.Context) (*models.ClassifiedReading, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT smoke, temperature, humidity, ts, status, level FROM current WHERE slot = 1`)

	var cr models.ClassifiedReading
	var status string
	err := row.Scan(&cr.Smoke, &cr.Temperature, &cr.Humidity, &cr.Timestamp, &status, &cr.Level)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read current: %w", err)
	}
	cr.Status = models.Status(status)
	return &cr, nil
}

func (s *sqliteStore) History(ctx context.Context, limit int, ord historyOrder) ([]models.ClassifiedReading, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT smoke, temperature, humidity, ts, status, level
		 FROM history
		 ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.ClassifiedReading
	for rows.Next() {
		var cr models.ClassifiedReading
		var status string
		if err := rows.Scan(&cr.Smoke, &cr.Temperature, &cr.Humidity, &cr.Timestamp, &status, &cr.Level); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		cr.Status = models.Status(status)
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if ord == orderAscending {
		reverseReadings(out)
	}
	return out, nil
}

func (s *sqliteStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history`)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE ts <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete history before %d: %w", cutoff, err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// reverseReadings flips a history page in place. Both orders are served
// from the same "most recent N" result set, so ascending is exactly the
// reversed descending sequence.
func reverseReadings(items []models.ClassifiedReading) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
