package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/roach88/snapper/internal/store"
	"github.com/roach88/snapper/internal/store/filestore"
	"github.com/roach88/snapper/internal/store/sqlstore"
)

// Backend is a storage with metrics and run history, which every built-in
// backend provides.
type Backend interface {
	store.Storage
	store.MetricsStorage
	store.RunStorage
}

// Storage kinds accepted by --store.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreFile     = "file"
)

// storeKind resolves an empty --store from the DSN: a .json path is a file
// store, a postgres URL or keyword DSN is postgres, anything else SQLite.
func storeKind(kind, dsn string) string {
	if kind != "" {
		return kind
	}
	switch {
	case strings.EqualFold(filepath.Ext(dsn), ".json"):
		return StoreFile
	case sqlstore.IsPostgresDSN(dsn):
		return StorePostgres
	default:
		return StoreSQLite
	}
}

// openBackend opens the storage named by kind and dsn.
func openBackend(ctx context.Context, kind, dsn string, logger *slog.Logger) (Backend, error) {
	switch storeKind(kind, dsn) {
	case StoreFile:
		return filestore.Open(dsn, filestore.WithLogger(logger))
	case StorePostgres:
		if !sqlstore.IsPostgresDSN(dsn) {
			return nil, fmt.Errorf("--store postgres needs a postgres DSN, got %q", dsn)
		}
		return sqlstore.Open(ctx, dsn, sqlstore.WithLogger(logger))
	case StoreSQLite:
		if sqlstore.IsPostgresDSN(dsn) {
			return nil, fmt.Errorf("--store sqlite cannot open postgres DSN %q", dsn)
		}
		return sqlstore.Open(ctx, dsn, sqlstore.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown store %q: must be one of sqlite, postgres, file", kind)
	}
}
