package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/botfleet/internal/history/sqltable"
)

// Table is the history table name.
const Table = "client_history"

var dialect = sqltable.Dialect{
	Driver:   "sqlite",
	Bind:     func(int) string { return "?" },
	TimeType: "TIMESTAMP",
}

// Sink appends lifecycle events to a SQLite file.
type Sink struct {
	*sqltable.Table
}

// New opens the SQLite history at dsn, which may be "sqlite://<path>",
// "sqlite://:memory:", a bare path or ":memory:".
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if len(path) >= len("sqlite://") && strings.EqualFold(path[:len("sqlite://")], "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	var tune func(*sql.DB)
	if strings.Contains(path, ":memory:") {
		// every connection would get its own database
		tune = func(db *sql.DB) { db.SetMaxOpenConns(1) }
	}
	t, err := sqltable.Open(context.Background(), dialect, path, Table, tune)
	if err != nil {
		return nil, err
	}
	return &Sink{Table: t}, nil
}
