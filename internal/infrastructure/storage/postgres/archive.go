package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"chainbus/internal/application/port"
)

// Archive is the long-term opportunity store, fed by its own consumer
// group so a slow warehouse never holds back the local journal.
type Archive struct {
	db *sql.DB
}

func New(dsn string) (*Archive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

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
  id BIGSERIAL PRIMARY KEY,
  trace_id TEXT NOT NULL UNIQUE,
  kind TEXT NOT NULL,
  key TEXT NOT NULL,
  value DOUBLE PRECISION NOT NULL,
  ts_ms BIGINT NOT NULL,
  payload TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_ts ON opportunities(ts_ms);

CREATE TABLE IF NOT EXISTS dead_letters (
  id BIGSERIAL PRIMARY KEY,
  stream TEXT NOT NULL,
  entry_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  fields_json TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`)
	return err
}

func (a *Archive) InsertOpportunity(ctx context.Context, traceID, kind, key string, value float64, tsMs int64, payload string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO opportunities(trace_id, kind, key, value, ts_ms, payload, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(trace_id) DO NOTHING
	`, traceID, kind, key, value, tsMs, payload, time.Now().UnixMilli())
	return err
}

func (a *Archive) InsertDeadLetter(ctx context.Context, stream, entryID, reason, fieldsJSON string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO dead_letters(stream, entry_id, reason, fields_json, created_at)
		VALUES($1, $2, $3, $4, $5)
	`, stream, entryID, reason, fieldsJSON, time.Now().UnixMilli())
	return err
}

var _ port.Archive = (*Archive)(nil)
