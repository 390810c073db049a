// Package factory opens the process state ledger named by a DSN.
package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/botfleet/internal/store"
	pg "github.com/loykin/botfleet/internal/store/postgres"
	sq "github.com/loykin/botfleet/internal/store/sqlite"
)

// Backend kinds returned by Backend.
const (
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Backend reports the SQL backend for dsn and the connection string to hand
// its driver: KindPostgres for postgres:// and postgresql:// URLs, otherwise
// KindSQLite with any sqlite:// prefix removed. Other schemes are rejected.
func Backend(dsn string) (kind, conn string, err error) {
	conn = strings.TrimSpace(dsn)
	if conn == "" {
		return "", "", errors.New("empty DSN")
	}
	scheme, rest, found := strings.Cut(conn, "://")
	switch {
	case !found:
		return KindSQLite, conn, nil
	case strings.EqualFold(scheme, "postgres"), strings.EqualFold(scheme, "postgresql"):
		return KindPostgres, conn, nil
	case strings.EqualFold(scheme, "sqlite"):
		return KindSQLite, rest, nil
	}
	return "", "", fmt.Errorf("unsupported DSN scheme %q", scheme)
}

// Open connects to the ledger and creates its schema. The store is closed when
// the schema cannot be created.
func Open(ctx context.Context, dsn string) (store.Store, error) {
	kind, conn, err := Backend(dsn)
	if err != nil {
		return nil, err
	}
	var s store.Store
	if kind == KindPostgres {
		s, err = pg.New(conn)
	} else {
		s, err = sq.New(conn)
	}
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("process state schema: %w", err)
	}
	return s, nil
}
