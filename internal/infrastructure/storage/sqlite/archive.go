package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"chainbus/internal/application/port"
)

// Archive journals delivered opportunities and dead-lettered entries
// into a local sqlite file for forensic inspection.
type Archive struct {
	db *sql.DB
}

func New(path string) (*Archive, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	a := &Archive{db: db}
	if err := a.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) Close() error { return a.db.Close() }

func (a *Archive) migrate(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS opportunities (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  trace_id TEXT NOT NULL UNIQUE,
  kind TEXT NOT NULL,
  key TEXT NOT NULL,
  value REAL NOT NULL,
  ts_ms INTEGER NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_ts ON opportunities(ts_ms);
CREATE INDEX IF NOT EXISTS idx_opportunities_key ON opportunities(key);

CREATE TABLE IF NOT EXISTS dead_letters (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  stream TEXT NOT NULL,
  entry_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  fields_json TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_stream ON dead_letters(stream);
`)
	return err
}

func (a *Archive) InsertOpportunity(ctx context.Context, traceID, kind, key string, value float64, tsMs int64, payload string) error {
	// duplicate deliveries (at-least-once) collapse on trace_id
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO opportunities(trace_id, kind, key, value, ts_ms, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO NOTHING
	`, traceID, kind, key, value, tsMs, payload, time.Now().UnixMilli())
	return err
}

func (a *Archive) InsertDeadLetter(ctx context.Context, stream, entryID, reason, fieldsJSON string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO dead_letters(stream, entry_id, reason, fields_json, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, stream, entryID, reason, fieldsJSON, time.Now().UnixMilli())
	return err
}

// CountOpportunities is used by ops tooling and tests.
func (a *Archive) CountOpportunities(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM opportunities`).Scan(&n)
	return n, err
}

func (a *Archive) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}

var _ port.Archive = (*Archive)(nil)
