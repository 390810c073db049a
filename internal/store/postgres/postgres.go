package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/botfleet/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_state(
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			ipc_port INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_process_state_state ON process_state(state);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Set(ctx context.Context, name string, ipcPort int, state store.State) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO process_state(name, state, ipc_port, updated_at)
		VALUES($1,$2,$3,$4)
		ON CONFLICT(name) DO UPDATE SET
			state=EXCLUDED.state,
			ipc_port=EXCLUDED.ipc_port,
			updated_at=EXCLUDED.updated_at;`,
		name, string(state), ipcPort, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set process state %s: %w", name, err)
	}
	return nil
}

func (p *DB) Get(ctx context.Context, name string) (store.Record, error) {
	var (
		r     store.Record
		state string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT name, state, ipc_port, updated_at
		FROM process_state
		WHERE name=$1;`, name).Scan(&r.Name, &state, &r.IPCPort, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, err
	}
	if r.State, err = store.ParseState(state); err != nil {
		return store.Record{}, err
	}
	return r, nil
}

func (p *DB) Delete(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM process_state WHERE name=$1;`, name)
	return err
}

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT name, state, ipc_port, updated_at
		FROM process_state
		ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		var (
			r     store.Record
			state string
		)
		if err := rows.Scan(&r.Name, &state, &r.IPCPort, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if r.State, err = store.ParseState(state); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
