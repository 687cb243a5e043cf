package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"

	_ "modernc.org/sqlite"
)

// Error is the class of all local store failures.
var Error = errs.Class("store")

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so that text comparison in SQL orders by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite database of a single collector. Writes go through a
// single connection; reads use a separate pool so sync reads do not wait on
// ingestion.
type Store struct {
	w *sql.DB
	r *sql.DB

	nowFn func() time.Time
}

// Open initializes the database connections, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Error.Wrap(fmt.Errorf("create db directory: %w", err))
	}

	pragmas := "_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	w, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s&_txlock=immediate", path, pragmas))
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("open sqlite: %w", err))
	}
	w.SetMaxOpenConns(1)
	w.SetConnMaxLifetime(0)
	w.SetConnMaxIdleTime(5 * time.Minute)

	// Force WAL creation before the read pool attaches.
	if err := w.Ping(); err != nil {
		_ = w.Close()
		return nil, Error.Wrap(fmt.Errorf("ping sqlite: %w", err))
	}

	r, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=query_only(1)", path))
	if err != nil {
		_ = w.Close()
		return nil, Error.Wrap(fmt.Errorf("open sqlite reader: %w", err))
	}
	r.SetMaxOpenConns(4)
	r.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{w: w, r: r, nowFn: time.Now}, nil
}

// Close releases the underlying database handles.
func (s *Store) Close() error {
	var group errs.Group
	if s.r != nil {
		group.Add(s.r.Close())
	}
	if s.w != nil {
		group.Add(s.w.Close())
	}
	return group.Err()
}

// Ping checks both handles.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.w.PingContext(ctx); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(s.r.PingContext(ctx))
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_clock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			seq INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO sync_clock (id, seq) VALUES (1, 0);`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			table_name TEXT PRIMARY KEY,
			cursor INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS gateways (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			node_id TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			sync_seq INTEGER NOT NULL,
			UNIQUE(host, port)
		);`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			node_num INTEGER,
			long_name TEXT,
			short_name TEXT,
			hw_model TEXT,
			firmware_version TEXT,
			mac_addr TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			sync_seq INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL REFERENCES nodes(node_id),
			timestamp TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			altitude INTEGER,
			location_source TEXT,
			gateway_id INTEGER REFERENCES gateways(id),
			sync_seq INTEGER NOT NULL,
			UNIQUE(node_id, timestamp)
		);`,
		`CREATE TABLE IF NOT EXISTS device_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL REFERENCES nodes(node_id),
			timestamp TEXT NOT NULL,
			battery_level INTEGER,
			voltage REAL,
			channel_utilization REAL,
			air_util_tx REAL,
			uptime_seconds INTEGER,
			gateway_id INTEGER REFERENCES gateways(id),
			sync_seq INTEGER NOT NULL,
			UNIQUE(node_id, timestamp)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			from_node TEXT NOT NULL REFERENCES nodes(node_id),
			to_node TEXT NOT NULL,
			channel INTEGER,
			text TEXT,
			port_num TEXT,
			gateway_id INTEGER REFERENCES gateways(id),
			sync_seq INTEGER NOT NULL,
			UNIQUE(timestamp, from_node, to_node)
		);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint TEXT,
			kind TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_gateways_sync_seq ON gateways(sync_seq);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_sync_seq ON nodes(sync_seq);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_last_seen ON nodes(last_seen);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_sync_seq ON positions(sync_seq);`,
		`CREATE INDEX IF NOT EXISTS idx_device_metrics_sync_seq ON device_metrics(sync_seq);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sync_seq ON messages(sync_seq);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_from_node ON messages(from_node);`,
	}

	for _, stmt := range stmts {
		if _, err := s.w.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(fmt.Errorf("init schema: %w", err))
		}
	}

	return nil
}

// withTx runs fn in a write transaction on the single writer connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// nextSeq allocates the next store-wide sync sequence inside tx.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `UPDATE sync_clock SET seq = seq + 1 WHERE id = 1 RETURNING seq;`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate sync seq: %w", err)
	}
	return seq, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
