package store

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
)

// Backend names a Store implementation.
type Backend string

// Supported backends.
const (
	BackendFile     Backend = "file"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Backends lists every supported backend.
var Backends = []Backend{BackendFile, BackendSQLite, BackendPostgres}

// SQLiteFile is the database file name used under the save path.
const SQLiteFile = "hyperparameter_combinations.db"

// Open returns the Store for backend. File and SQLite stores live under savePath; Postgres uses
// dsn.
func Open(ctx context.Context, backend Backend, savePath, dsn string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFile(savePath)
	case BackendSQLite:
		if _, err := NewFile(savePath); err != nil {
			return nil, err
		}
		return OpenSQLite(ctx, filepath.Join(savePath, SQLiteFile))
	case BackendPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, errors.Errorf("unknown store backend %q", backend)
	}
}
