package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib" // Import Postgres driver.
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/extra/bundebug"
)

// lockNotAvailable is the SQLSTATE Postgres raises when lock_timeout expires.
const lockNotAvailable = "55P03"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS hcomb_lists (
	name TEXT PRIMARY KEY,
	records JSONB NOT NULL
)`

// Postgres keeps each list as one JSONB row and locks it with SELECT ... FOR UPDATE under a
// transaction-local lock_timeout.
type Postgres struct {
	db *bun.DB
}

// OpenPostgres connects to the database at dsn and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	sqldb, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	if log.IsLevelEnabled(log.DebugLevel) {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating hcomb_lists table")
	}
	return &Postgres{db: db}, nil
}

func postgresErr(err error, list List, timeout time.Duration) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
		return errors.Wrapf(ErrLockTimeout, "%s after %s", list, timeout)
	}
	return err
}

func setLockTimeout(ctx context.Context, tx bun.Tx, timeout time.Duration) error {
	ms := timeout.Milliseconds()
	if ms <= 0 {
		// 0 disables lock_timeout in Postgres; the smallest positive value means "try once".
		ms = 1
	}
	_, err := tx.ExecContext(ctx,
		"SELECT set_config('lock_timeout', ?, true)", strconv.FormatInt(ms, 10)+"ms")
	return errors.Wrap(err, "setting lock_timeout")
}

// Init implements Store.
func (s *Postgres) Init(ctx context.Context, list List, timeout time.Duration) (bool, error) {
	var created bool
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := setLockTimeout(ctx, tx, timeout); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO hcomb_lists (name, records) VALUES (?, '[]'::jsonb)
ON CONFLICT (name) DO NOTHING`, string(list))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n == 1
		return err
	})
	if err != nil {
		return false, postgresErr(errors.Wrapf(err, "initializing %s", list), list, timeout)
	}
	return created, nil
}

// Exists implements Store.
func (s *Postgres) Exists(ctx context.Context, list List) (bool, error) {
	exists, err := s.db.NewSelect().
		Table("hcomb_lists").
		Where("name = ?", string(list)).
		Exists(ctx)
	return exists, errors.Wrapf(err, "checking %s", list)
}

// WithLock implements Store.
func (s *Postgres) WithLock(
	ctx context.Context, list List, timeout time.Duration, fn func(Tx) error,
) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := setLockTimeout(ctx, tx, timeout); err != nil {
			return err
		}
		var records []byte
		err := tx.QueryRowContext(ctx,
			`SELECT records FROM hcomb_lists WHERE name = ? FOR UPDATE`, string(list),
		).Scan(&records)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return notInitialized(list)
		case err != nil:
			return errors.Wrapf(err, "reading %s", list)
		}

		st := &stagedTx{load: func() ([]byte, error) { return records, nil }}
		if err := fn(st); err != nil {
			return err
		}
		if !st.dirty {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE hcomb_lists SET records = ?::jsonb WHERE name = ?`,
			string(st.staged), string(list))
		return errors.Wrapf(err, "writing %s", list)
	})
	return postgresErr(err, list, timeout)
}

// Close implements Store.
func (s *Postgres) Close() error {
	return s.db.Close()
}
