package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/botfleet/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases coherent across calls
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks between console and workers
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_state(
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			ipc_port INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_process_state_state ON process_state(state);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Set(ctx context.Context, name string, ipcPort int, state store.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_state(name, state, ipc_port, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state=excluded.state,
			ipc_port=excluded.ipc_port,
			updated_at=excluded.updated_at;`,
		name, string(state), ipcPort, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set process state %s: %w", name, err)
	}
	return nil
}

func (s *DB) Get(ctx context.Context, name string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, state, ipc_port, updated_at
		FROM process_state
		WHERE name=?;`, name)
	return scanRecord(row)
}

func (s *DB) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM process_state WHERE name=?;`, name)
	return err
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, state, ipc_port, updated_at
		FROM process_state
		ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (store.Record, error) {
	var (
		r     store.Record
		state string
	)
	if err := sc.Scan(&r.Name, &state, &r.IPCPort, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, err
	}
	st, err := store.ParseState(state)
	if err != nil {
		return store.Record{}, err
	}
	r.State = st
	return r, nil
}
