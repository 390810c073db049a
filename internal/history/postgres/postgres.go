package postgres

import (
	"context"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/botfleet/internal/history/sqltable"
)

// Table is the history table name.
const Table = "client_history"

var dialect = sqltable.Dialect{
	Driver:   "pgx",
	Bind:     func(n int) string { return "$" + strconv.Itoa(n) },
	TimeType: "TIMESTAMPTZ",
}

// Sink appends lifecycle events to PostgreSQL through pgx.
type Sink struct {
	*sqltable.Table
}

// New connects with a "postgres://" URL or key=value DSN.
func New(dsn string) (*Sink, error) {
	t, err := sqltable.Open(context.Background(), dialect, dsn, Table, nil)
	if err != nil {
		return nil, err
	}
	return &Sink{Table: t}, nil
}
