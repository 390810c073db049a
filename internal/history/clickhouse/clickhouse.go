package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/botfleet/internal/history"
)

// Config locates the ClickHouse table. Empty Database and Username mean "default".
type Config struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink appends events to a MergeTree table over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	auth := clickhouse.Auth{Database: cfg.Database, Username: cfg.Username, Password: cfg.Password}
	if auth.Database == "" {
		auth.Database = "default"
	}
	if auth.Username == "" {
		auth.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:        []string{cfg.Addr},
		Auth:        auth,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse %s: %w", cfg.Addr, err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse %s: ping: %w", cfg.Addr, err)
	}
	return &Sink{conn: conn, table: cfg.Table}, nil
}

// EnsureSchema creates the table, partitioned by month.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		occurred_at DateTime64(6, 'UTC'),
		event LowCardinality(String),
		client String,
		state LowCardinality(String),
		ipc_port UInt16,
		detail String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(occurred_at)
	ORDER BY (client, occurred_at)`)
}

// Send writes e as a one-row batch.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("clickhouse %s: %w", s.table, err)
	}
	r := e.Row()
	if err := batch.Append(r.OccurredAt, r.Event, r.Client, r.State, uint16(r.IPCPort), r.Detail); err != nil { // #nosec G115 -- ports are 16 bit
		_ = batch.Abort()
		return fmt.Errorf("clickhouse %s: %w", s.table, err)
	}
	return batch.Send()
}

// Trail returns the events recorded for client, oldest first.
func (s *Sink) Trail(ctx context.Context, client string) ([]history.Row, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT occurred_at, event, client, state, ipc_port, detail FROM "+s.table+" WHERE client = ? ORDER BY occurred_at", client)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Row
	for rows.Next() {
		var (
			r    history.Row
			port uint16
		)
		if err := rows.Scan(&r.OccurredAt, &r.Event, &r.Client, &r.State, &port, &r.Detail); err != nil {
			return nil, err
		}
		r.IPCPort = int(port)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
