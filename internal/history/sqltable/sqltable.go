// Package sqltable stores history rows in a database/sql table. The sqlite
// and postgres sinks differ only in driver, placeholder style and column types.
package sqltable

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loykin/botfleet/internal/history"
)

// Dialect describes the parts of the statements that vary by database.
type Dialect struct {
	// Driver is the database/sql driver name.
	Driver string
	// Bind returns the placeholder for the n-th argument, starting at 1.
	Bind func(n int) string
	// TimeType is the column type of occurred_at.
	TimeType string
}

var columns = []string{"occurred_at", "event", "client", "state", "ipc_port", "detail"}

// Table appends rows to one history table.
type Table struct {
	db     *sql.DB
	name   string
	bind   func(int) string
	insert string
}

// Open connects with d.Driver and creates the table if needed. The caller owns
// the returned Table and must Close it.
func Open(ctx context.Context, d Dialect, dsn, name string, tune func(*sql.DB)) (*Table, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if tune != nil {
		tune(db)
	}
	t := &Table{db: db, name: name, bind: d.Bind, insert: insertStmt(d, name)}
	if err := t.create(ctx, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return t, nil
}

func insertStmt(d Dialect, name string) string {
	binds := make([]string, len(columns))
	for i := range columns {
		binds[i] = d.Bind(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", name, strings.Join(columns, ", "), strings.Join(binds, ", "))
}

func (t *Table) create(ctx context.Context, d Dialect) error {
	_, err := t.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at %s NOT NULL,
		event TEXT NOT NULL,
		client TEXT NOT NULL,
		state TEXT NOT NULL,
		ipc_port INTEGER NOT NULL DEFAULT 0,
		detail TEXT
	)`, t.name, d.TimeType))
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s_client_idx ON %s (client, occurred_at)", t.name, t.name))
	return err
}

// Send appends e. An empty detail is stored as NULL.
func (t *Table) Send(ctx context.Context, e history.Event) error {
	r := e.Row()
	var detail sql.NullString
	if r.Detail != "" {
		detail = sql.NullString{String: r.Detail, Valid: true}
	}
	_, err := t.db.ExecContext(ctx, t.insert, r.OccurredAt, r.Event, r.Client, r.State, r.IPCPort, detail)
	return err
}

// Trail returns the rows recorded for client, oldest first.
func (t *Table) Trail(ctx context.Context, client string) ([]history.Row, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT occurred_at, event, client, state, ipc_port, detail FROM %s WHERE client = %s ORDER BY occurred_at",
		t.name, t.bind(1)), client)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Row
	for rows.Next() {
		var (
			r      history.Row
			detail sql.NullString
		)
		if err := rows.Scan(&r.OccurredAt, &r.Event, &r.Client, &r.State, &r.IPCPort, &detail); err != nil {
			return nil, err
		}
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *Table) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}
