package central

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/zeebo/errs"
	_ "modernc.org/sqlite"

	"meshmonitor/go-collector/internal/model"
)

// Error is the class of central store failures.
var Error = errs.Class("central")

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store is the central database that merges batches from many collectors.
type Store struct {
	db    *sql.DB
	d     dialect
	nowFn func() time.Time
}

// Open connects to the central database. PostgreSQL URLs use pgx; any other
// DSN is opened as a SQLite file.
func Open(dsn string) (*Store, error) {
	d, target := dialectFor(dsn)

	if d.name == sqliteDialect.name {
		if dir := filepath.Dir(target); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, Error.Wrap(fmt.Errorf("create db directory: %w", err))
			}
		}
		target = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", target)
	}

	db, err := sql.Open(d.driver, target)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("open %s: %w", d.name, err))
	}
	if d.name == sqliteDialect.name {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	return &Store{db: db, d: d, nowFn: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return Error.Wrap(s.db.Close())
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return Error.Wrap(s.db.PingContext(ctx))
}

// Dialect names the backing database.
func (s *Store) Dialect() string {
	return s.d.name
}

// InitSchema creates the central tables. Every synced table carries the
// collector id and the time of merge; append-only tables are unique on their
// natural identity plus collector id.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collectors (
			collector_id TEXT PRIMARY KEY,
			name TEXT,
			location TEXT,
			first_seen {{TS}} NOT NULL,
			last_seen {{TS}} NOT NULL,
			record_count BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS gateways (
			id {{ID}},
			collector_id TEXT NOT NULL REFERENCES collectors(collector_id),
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			node_id TEXT,
			first_seen {{TS}} NOT NULL,
			last_seen {{TS}} NOT NULL,
			synced_at {{TS}} NOT NULL,
			UNIQUE (host, port, collector_id)
		);`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			collector_id TEXT NOT NULL,
			node_num BIGINT,
			long_name TEXT,
			short_name TEXT,
			hw_model TEXT,
			firmware_version TEXT,
			mac_addr TEXT,
			first_seen {{TS}} NOT NULL,
			last_seen {{TS}} NOT NULL,
			synced_at {{TS}} NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id {{ID}},
			collector_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			timestamp {{TS}} NOT NULL,
			latitude {{FLOAT}},
			longitude {{FLOAT}},
			altitude INTEGER,
			location_source TEXT,
			gateway TEXT,
			synced_at {{TS}} NOT NULL,
			UNIQUE (node_id, timestamp, collector_id)
		);`,
		`CREATE TABLE IF NOT EXISTS device_metrics (
			id {{ID}},
			collector_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			timestamp {{TS}} NOT NULL,
			battery_level INTEGER,
			voltage {{FLOAT}},
			channel_utilization {{FLOAT}},
			air_util_tx {{FLOAT}},
			uptime_seconds BIGINT,
			gateway TEXT,
			synced_at {{TS}} NOT NULL,
			UNIQUE (node_id, timestamp, collector_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id {{ID}},
			collector_id TEXT NOT NULL,
			timestamp {{TS}} NOT NULL,
			from_node TEXT NOT NULL,
			to_node TEXT NOT NULL,
			channel INTEGER,
			text TEXT,
			port_num TEXT,
			gateway TEXT,
			synced_at {{TS}} NOT NULL,
			UNIQUE (timestamp, from_node, to_node, collector_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_node_time ON positions(node_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_device_metrics_node_time ON device_metrics(node_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(timestamp);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, s.d.expand(stmt)); err != nil {
			return Error.Wrap(fmt.Errorf("init schema: %w", err))
		}
	}
	return nil
}

// Push merges req in process. It lets a collector sync straight into a
// central store without going through HTTP.
func (s *Store) Push(ctx context.Context, req model.SyncRequest) (model.SyncResponse, error) {
	return s.Merge(ctx, req)
}

// Merge applies one sync batch. Tables are merged in dependency order and
// records in batch order; the first failing record ends its table, so the
// acknowledged count per table is always a prefix of what was sent.
// Duplicates are acknowledged but only records that changed a row are added
// to the collector's record_count. The collector heartbeat is recorded on
// every call, including empty batches.
func (s *Store) Merge(ctx context.Context, req model.SyncRequest) (model.SyncResponse, error) {
	if req.CollectorID == "" {
		return model.SyncResponse{}, Error.New("collector_id required")
	}
	if req.BatchID == "" {
		return model.SyncResponse{}, Error.New("batch_id required")
	}

	now := s.nowFn().UTC()
	if err := s.touchCollector(ctx, req, now, 0); err != nil {
		return model.SyncResponse{}, err
	}

	resp := model.SyncResponse{
		Status:          "success",
		BatchID:         req.BatchID,
		RecordsReceived: make(map[string]int, len(model.SyncTables)),
		ServerTime:      now,
	}

	changed := 0
	record := func(table string, n, c int, err error) {
		resp.RecordsReceived[table] = n
		changed += c
		if err != nil {
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[table] = err.Error()
			resp.Status = "partial"
		}
	}

	n, c, err := mergeEach(ctx, req.Data.Gateways, func(ctx context.Context, g model.Gateway) (bool, error) {
		return s.mergeGateway(ctx, req.CollectorID, g, now)
	})
	record(model.TableGateways, n, c, err)

	n, c, err = mergeEach(ctx, req.Data.Nodes, func(ctx context.Context, node model.Node) (bool, error) {
		return s.mergeNode(ctx, req.CollectorID, node, now)
	})
	record(model.TableNodes, n, c, err)

	n, c, err = mergeEach(ctx, req.Data.Positions, func(ctx context.Context, p model.Position) (bool, error) {
		return s.mergePosition(ctx, req.CollectorID, p, now)
	})
	record(model.TablePositions, n, c, err)

	n, c, err = mergeEach(ctx, req.Data.Metrics, func(ctx context.Context, m model.DeviceMetric) (bool, error) {
		return s.mergeMetric(ctx, req.CollectorID, m, now)
	})
	record(model.TableMetrics, n, c, err)

	n, c, err = mergeEach(ctx, req.Data.Messages, func(ctx context.Context, m model.Message) (bool, error) {
		return s.mergeMessage(ctx, req.CollectorID, m, now)
	})
	record(model.TableMessages, n, c, err)

	if changed > 0 {
		if err := s.touchCollector(ctx, req, now, changed); err != nil {
			return resp, err
		}
	}

	return resp, nil
}

// mergeEach returns how many leading records were accepted and how many of
// those changed a row. A duplicate is accepted without changing anything.
func mergeEach[T any](ctx context.Context, records []T, merge func(context.Context, T) (bool, error)) (int, int, error) {
	changed := 0
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return i, changed, err
		}
		ok, err := merge(ctx, rec)
		if err != nil {
			return i, changed, fmt.Errorf("record %d: %w", i, err)
		}
		if ok {
			changed++
		}
	}
	return len(records), changed, nil
}

func rowChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) touchCollector(ctx context.Context, req model.SyncRequest, now time.Time, changed int) error {
	q := s.d.expand(`
		INSERT INTO collectors (collector_id, name, location, first_seen, last_seen, record_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collector_id) DO UPDATE SET
			name = COALESCE(excluded.name, collectors.name),
			location = COALESCE(excluded.location, collectors.location),
			last_seen = {{GREATEST}}(collectors.last_seen, excluded.last_seen),
			record_count = collectors.record_count + excluded.record_count;`)

	_, err := s.db.ExecContext(ctx, q,
		req.CollectorID,
		nullableString(req.CollectorName),
		nullableString(req.Location),
		s.d.timeArg(now),
		s.d.timeArg(now),
		int64(changed),
	)
	if err != nil {
		return Error.Wrap(fmt.Errorf("collector heartbeat: %w", err))
	}
	return nil
}

func (s *Store) mergeGateway(ctx context.Context, collectorID string, g model.Gateway, now time.Time) (bool, error) {
	first, last := seenBounds(g.FirstSeen, g.LastSeen, now)
	q := s.d.expand(`
		INSERT INTO gateways (collector_id, host, port, node_id, first_seen, last_seen, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (host, port, collector_id) DO UPDATE SET
			node_id = CASE WHEN excluded.last_seen > gateways.last_seen
				THEN COALESCE(excluded.node_id, gateways.node_id) ELSE COALESCE(gateways.node_id, excluded.node_id) END,
			first_seen = {{LEAST}}(gateways.first_seen, excluded.first_seen),
			last_seen = {{GREATEST}}(gateways.last_seen, excluded.last_seen),
			synced_at = excluded.synced_at
		WHERE excluded.last_seen > gateways.last_seen
			OR excluded.first_seen < gateways.first_seen
			OR (gateways.node_id IS NULL AND excluded.node_id IS NOT NULL);`)

	res, err := s.db.ExecContext(ctx, q,
		collectorID, g.Host, g.Port, nullableString(g.NodeID),
		s.d.timeArg(first), s.d.timeArg(last), s.d.timeArg(now),
	)
	if err != nil {
		return false, fmt.Errorf("merge gateway %s: %w", g.Endpoint(), err)
	}
	return rowChanged(res)
}

func (s *Store) mergeNode(ctx context.Context, collectorID string, n model.Node, now time.Time) (bool, error) {
	if n.NodeID == "" {
		return false, errors.New("node without node_id")
	}
	first, last := seenBounds(n.FirstSeen, n.LastSeen, now)

	q := s.d.expand(`
		INSERT INTO nodes (node_id, collector_id, node_num, long_name, short_name, hw_model, firmware_version, mac_addr, first_seen, last_seen, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			collector_id = CASE WHEN excluded.last_seen > nodes.last_seen
				THEN excluded.collector_id ELSE nodes.collector_id END,
			node_num = CASE WHEN excluded.last_seen > nodes.last_seen
				THEN COALESCE(excluded.node_num, nodes.node_num) ELSE COALESCE(nodes.node_num, excluded.node_num) END,
			long_name = CASE WHEN excluded.last_seen > nodes.last_seen
				THEN COALESCE(excluded.long_name, nodes.long_name) ELSE COALESCE(nodes.long_name, excluded.long_name) END,
			short_name = CASE WHEN excluded.last_seen > nodes.last_seen
				THEN COALESCE(excluded.short_name, nodes.short_name) ELSE COALESCE(nodes.short_name, excluded.short_name) END,
			hw_model = CASE WHEN excluded.last_seen > nodes.last_seen
				THEN COALESCE(excluded.hw_model, nodes.hw_model) ELSE COALESCE(nodes.hw_model, excluded.hw_model) END,
			firmware_version = CASE WHEN excluded.last_seen > nodes.last_seen
				THEN COALESCE(excluded.firmware_version, nodes.firmware_version) ELSE COALESCE(nodes.firmware_version, excluded.firmware_version) END,
			mac_addr = CASE WHEN excluded.last_seen > nodes.last_seen
				THEN COALESCE(excluded.mac_addr, nodes.mac_addr) ELSE COALESCE(nodes.mac_addr, excluded.mac_addr) END,
			first_seen = {{LEAST}}(nodes.first_seen, excluded.first_seen),
			last_seen = {{GREATEST}}(nodes.last_seen, excluded.last_seen),
			synced_at = excluded.synced_at
		WHERE excluded.last_seen > nodes.last_seen
			OR excluded.first_seen < nodes.first_seen
			OR (nodes.node_num IS NULL AND excluded.node_num IS NOT NULL)
			OR (nodes.long_name IS NULL AND excluded.long_name IS NOT NULL)
			OR (nodes.short_name IS NULL AND excluded.short_name IS NOT NULL)
			OR (nodes.hw_model IS NULL AND excluded.hw_model IS NOT NULL)
			OR (nodes.firmware_version IS NULL AND excluded.firmware_version IS NOT NULL)
			OR (nodes.mac_addr IS NULL AND excluded.mac_addr IS NOT NULL);`)

	res, err := s.db.ExecContext(ctx, q,
		n.NodeID, collectorID, nullInt64(n.NodeNum),
		nullableString(n.LongName), nullableString(n.ShortName), nullableString(n.HWModel),
		nullableString(n.FirmwareVersion), nullableString(n.MACAddr),
		s.d.timeArg(first), s.d.timeArg(last), s.d.timeArg(now),
	)
	if err != nil {
		return false, fmt.Errorf("merge node %s: %w", n.NodeID, err)
	}
	return rowChanged(res)
}

func (s *Store) mergePosition(ctx context.Context, collectorID string, p model.Position, now time.Time) (bool, error) {
	if p.NodeID == "" || p.Timestamp.IsZero() {
		return false, errors.New("position without node_id or timestamp")
	}
	q := s.d.expand(`
		INSERT INTO positions (collector_id, node_id, timestamp, latitude, longitude, altitude, location_source, gateway, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, timestamp, collector_id) DO NOTHING;`)

	res, err := s.db.ExecContext(ctx, q,
		collectorID, p.NodeID, s.d.timeArg(p.Timestamp),
		nullFloat(p.Latitude), nullFloat(p.Longitude), nullInt(p.Altitude),
		nullableString(p.LocationSource), nullableString(p.Gateway), s.d.timeArg(now),
	)
	if err != nil {
		return false, fmt.Errorf("merge position: %w", err)
	}
	return rowChanged(res)
}

func (s *Store) mergeMetric(ctx context.Context, collectorID string, m model.DeviceMetric, now time.Time) (bool, error) {
	if m.NodeID == "" || m.Timestamp.IsZero() {
		return false, errors.New("device metric without node_id or timestamp")
	}
	if m.BatteryLevel != nil && (*m.BatteryLevel < 0 || *m.BatteryLevel > 100) {
		return false, fmt.Errorf("battery level %d out of range", *m.BatteryLevel)
	}
	q := s.d.expand(`
		INSERT INTO device_metrics (collector_id, node_id, timestamp, battery_level, voltage, channel_utilization, air_util_tx, uptime_seconds, gateway, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, timestamp, collector_id) DO NOTHING;`)

	res, err := s.db.ExecContext(ctx, q,
		collectorID, m.NodeID, s.d.timeArg(m.Timestamp),
		nullInt(m.BatteryLevel), nullFloat(m.Voltage), nullFloat(m.ChannelUtilization),
		nullFloat(m.AirUtilTx), nullInt64(m.UptimeSeconds),
		nullableString(m.Gateway), s.d.timeArg(now),
	)
	if err != nil {
		return false, fmt.Errorf("merge device metric: %w", err)
	}
	return rowChanged(res)
}

func (s *Store) mergeMessage(ctx context.Context, collectorID string, m model.Message, now time.Time) (bool, error) {
	if m.FromNode == "" || m.Timestamp.IsZero() {
		return false, errors.New("message without from_node or timestamp")
	}
	to := m.ToNode
	if to == "" {
		to = model.BroadcastNode
	}
	q := s.d.expand(`
		INSERT INTO messages (collector_id, timestamp, from_node, to_node, channel, text, port_num, gateway, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (timestamp, from_node, to_node, collector_id) DO NOTHING;`)

	res, err := s.db.ExecContext(ctx, q,
		collectorID, s.d.timeArg(m.Timestamp), m.FromNode, to,
		m.Channel, m.Text, nullableString(m.PortNum), nullableString(m.Gateway), s.d.timeArg(now),
	)
	if err != nil {
		return false, fmt.Errorf("merge message: %w", err)
	}
	return rowChanged(res)
}

// seenBounds fills missing times and keeps first <= last.
func seenBounds(first, last, now time.Time) (time.Time, time.Time) {
	if last.IsZero() {
		last = now
	}
	if first.IsZero() || first.After(last) {
		first = last
	}
	return first, last
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
