package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS hcomb_lists (
	name TEXT PRIMARY KEY,
	records TEXT NOT NULL
);`

// SQLite keeps both lists in one SQLite database. Transactions start with BEGIN IMMEDIATE, so
// the write lock is taken before the list is read; the busy timeout bounds the wait.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite database %s", path)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating hcomb_lists table")
	}
	log.WithField("path", path).Debug("opened sqlite hcomb store")
	return &SQLite{db: db}, nil
}

func sqliteErr(err error, list List, timeout time.Duration) error {
	var sErr sqlite3.Error
	if errors.As(err, &sErr) && (sErr.Code == sqlite3.ErrBusy || sErr.Code == sqlite3.ErrLocked) {
		return errors.Wrapf(ErrLockTimeout, "%s after %s: %s", list, timeout, sErr)
	}
	return err
}

// begin opens a dedicated connection with the requested busy timeout and starts an immediate
// transaction on it.
func (s *SQLite) begin(
	ctx context.Context, list List, timeout time.Duration,
) (*sql.Conn, *sql.Tx, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "getting sqlite connection")
	}
	ms := timeout.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", ms)); err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "setting busy timeout")
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, sqliteErr(err, list, timeout)
	}
	return conn, tx, nil
}

// Init implements Store.
func (s *SQLite) Init(ctx context.Context, list List, timeout time.Duration) (bool, error) {
	conn, tx, err := s.begin(ctx, list, timeout)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO hcomb_lists (name, records) VALUES (?, '[]')`, string(list))
	if err != nil {
		_ = tx.Rollback()
		return false, sqliteErr(err, list, timeout)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, errors.Wrap(err, "checking rows affected")
	}
	if err := tx.Commit(); err != nil {
		return false, sqliteErr(err, list, timeout)
	}
	return n == 1, nil
}

// Exists implements Store.
func (s *SQLite) Exists(ctx context.Context, list List) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hcomb_lists WHERE name = ?`, string(list)).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "checking %s", list)
	}
	return n == 1, nil
}

// WithLock implements Store.
func (s *SQLite) WithLock(
	ctx context.Context, list List, timeout time.Duration, fn func(Tx) error,
) error {
	conn, tx, err := s.begin(ctx, list, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	var records string
	switch err := tx.QueryRowContext(ctx,
		`SELECT records FROM hcomb_lists WHERE name = ?`, string(list)).Scan(&records); {
	case errors.Is(err, sql.ErrNoRows):
		_ = tx.Rollback()
		return notInitialized(list)
	case err != nil:
		_ = tx.Rollback()
		return sqliteErr(errors.Wrapf(err, "reading %s", list), list, timeout)
	}

	st := &stagedTx{load: func() ([]byte, error) { return []byte(records), nil }}
	if err := fn(st); err != nil {
		_ = tx.Rollback()
		return err
	}
	if st.dirty {
		if _, err := tx.ExecContext(ctx,
			`UPDATE hcomb_lists SET records = ? WHERE name = ?`, string(st.staged), string(list),
		); err != nil {
			_ = tx.Rollback()
			return sqliteErr(errors.Wrapf(err, "writing %s", list), list, timeout)
		}
	}
	return sqliteErr(tx.Commit(), list, timeout)
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
