package window

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS windows (
	category TEXT NOT NULL,
	key      TEXT NOT NULL,
	count    INTEGER NOT NULL,
	reset_ms INTEGER NOT NULL,
	PRIMARY KEY (category, key)
);
CREATE INDEX IF NOT EXISTS idx_windows_reset ON windows(reset_ms);
`

// SQLiteStore persists records so quotas survive restarts on a single host.
// The pool is pinned to one connection, which serializes every transaction.
type SQLiteStore struct {
	db       *sql.DB
	policies Resolver
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" gives
// a private in-memory database, used by tests.
func OpenSQLite(ctx context.Context, path string, policies Resolver) (*SQLiteStore, error) {
	if path == "" {
		return nil, xerrors.New("sqlite path cannot be empty")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(err, "init sqlite schema")
	}
	return &SQLiteStore{db: db, policies: policies}, nil
}

func (s *SQLiteStore) Check(ctx context.Context, key, category string, now time.Time) (d Decision, err error) {
	cfg := s.policies.Resolve(category)
	nowMs := now.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, xerrors.Wrap(err, "sqlite begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var count, resetMs int64
	scanErr := tx.QueryRowContext(ctx,
		`SELECT count, reset_ms FROM windows WHERE category = ? AND key = ?`,
		category, key,
	).Scan(&count, &resetMs)
	switch {
	case errors.Is(scanErr, sql.ErrNoRows):
		count, resetMs = 0, nowMs+cfg.WindowMs()
	case scanErr != nil:
		err = xerrors.Wrap(scanErr, "sqlite select")
		return Decision{}, err
	case nowMs >= resetMs:
		count, resetMs = 0, nowMs+cfg.WindowMs()
	}
	count++

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO windows (category, key, count, reset_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT (category, key) DO UPDATE SET count = excluded.count, reset_ms = excluded.reset_ms`,
		category, key, count, resetMs,
	); err != nil {
		return Decision{}, xerrors.Wrap(err, "sqlite upsert")
	}
	if err = tx.Commit(); err != nil {
		return Decision{}, xerrors.Wrap(err, "sqlite commit")
	}
	return decide(cfg, int(count), time.UnixMilli(resetMs)), nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM windows WHERE reset_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, xerrors.Wrap(err, "sqlite purge")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(err, "sqlite purge rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM windows`).Scan(&n); err != nil {
		return 0, xerrors.Wrap(err, "sqlite count")
	}
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }
