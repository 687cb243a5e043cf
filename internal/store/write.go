package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"meshmonitor/go-collector/internal/model"
)

// UpsertGateway records a gateway keyed by host and port and returns its row id.
// last_seen only moves forward; first_seen is fixed on insert.
func (s *Store) UpsertGateway(ctx context.Context, g model.Gateway) (int64, error) {
	if s == nil || s.w == nil {
		return 0, Error.New("store not initialized")
	}
	if strings.TrimSpace(g.Host) == "" || g.Port <= 0 {
		return 0, Error.New("invalid gateway endpoint %q", g.Endpoint().String())
	}

	lastSeen := g.LastSeen
	if lastSeen.IsZero() {
		lastSeen = s.nowFn()
	}
	firstSeen := g.FirstSeen
	if firstSeen.IsZero() || firstSeen.After(lastSeen) {
		firstSeen = lastSeen
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}

		const stmt = `
		INSERT INTO gateways (host, port, node_id, first_seen, last_seen, sync_seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, port) DO UPDATE SET
			node_id = COALESCE(excluded.node_id, gateways.node_id),
			last_seen = MAX(gateways.last_seen, excluded.last_seen),
			sync_seq = excluded.sync_seq
		RETURNING id;`

		return tx.QueryRowContext(ctx, stmt,
			g.Host,
			g.Port,
			nullString(g.NodeID),
			formatTime(firstSeen),
			formatTime(lastSeen),
			seq,
		).Scan(&id)
	})
	if err != nil {
		return 0, Error.Wrap(fmt.Errorf("upsert gateway: %w", err))
	}

	return id, nil
}

// UpsertNode merges descriptive node fields. Non-empty incoming values win
// when the observation is at least as new as the stored one; older
// observations only fill fields that are still empty.
func (s *Store) UpsertNode(ctx context.Context, n model.Node) error {
	if s == nil || s.w == nil {
		return Error.New("store not initialized")
	}
	if strings.TrimSpace(n.NodeID) == "" {
		return Error.New("node id required")
	}

	seen := n.LastSeen
	if seen.IsZero() {
		seen = s.nowFn()
	}
	first := n.FirstSeen
	if first.IsZero() || first.After(seen) {
		first = seen
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}

		const stmt = `
		INSERT INTO nodes (node_id, node_num, long_name, short_name, hw_model, firmware_version, mac_addr, first_seen, last_seen, sync_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			node_num = CASE WHEN excluded.last_seen >= nodes.last_seen
				THEN COALESCE(excluded.node_num, nodes.node_num) ELSE COALESCE(nodes.node_num, excluded.node_num) END,
			long_name = CASE WHEN excluded.last_seen >= nodes.last_seen
				THEN COALESCE(excluded.long_name, nodes.long_name) ELSE COALESCE(nodes.long_name, excluded.long_name) END,
			short_name = CASE WHEN excluded.last_seen >= nodes.last_seen
				THEN COALESCE(excluded.short_name, nodes.short_name) ELSE COALESCE(nodes.short_name, excluded.short_name) END,
			hw_model = CASE WHEN excluded.last_seen >= nodes.last_seen
				THEN COALESCE(excluded.hw_model, nodes.hw_model) ELSE COALESCE(nodes.hw_model, excluded.hw_model) END,
			firmware_version = CASE WHEN excluded.last_seen >= nodes.last_seen
				THEN COALESCE(excluded.firmware_version, nodes.firmware_version) ELSE COALESCE(nodes.firmware_version, excluded.firmware_version) END,
			mac_addr = CASE WHEN excluded.last_seen >= nodes.last_seen
				THEN COALESCE(excluded.mac_addr, nodes.mac_addr) ELSE COALESCE(nodes.mac_addr, excluded.mac_addr) END,
			last_seen = MAX(nodes.last_seen, excluded.last_seen),
			sync_seq = excluded.sync_seq;`

		_, err = tx.ExecContext(ctx, stmt,
			n.NodeID,
			nullInt64(n.NodeNum),
			nullString(n.LongName),
			nullString(n.ShortName),
			nullString(n.HWModel),
			nullString(n.FirmwareVersion),
			nullString(n.MACAddr),
			formatTime(first),
			formatTime(seen),
			seq,
		)
		return err
	})
	if err != nil {
		return Error.Wrap(fmt.Errorf("upsert node %s: %w", n.NodeID, err))
	}
	return nil
}

// EnsureNode creates a minimal node row if needed and advances its last_seen.
// Rows are left untouched when seen is not newer than the stored last_seen.
func (s *Store) EnsureNode(ctx context.Context, nodeID string, seen time.Time) error {
	if s == nil || s.w == nil {
		return Error.New("store not initialized")
	}
	if strings.TrimSpace(nodeID) == "" {
		return Error.New("node id required")
	}
	if seen.IsZero() {
		seen = s.nowFn()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}

		const stmt = `
		INSERT INTO nodes (node_id, first_seen, last_seen, sync_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			sync_seq = excluded.sync_seq
		WHERE excluded.last_seen > nodes.last_seen;`

		ts := formatTime(seen)
		_, err = tx.ExecContext(ctx, stmt, nodeID, ts, ts, seq)
		return err
	})
	if err != nil {
		return Error.Wrap(fmt.Errorf("ensure node %s: %w", nodeID, err))
	}
	return nil
}

// InsertPosition appends a position. It reports false when the same node
// already has a position at that timestamp.
func (s *Store) InsertPosition(ctx context.Context, p model.Position) (bool, error) {
	if p.NodeID == "" || p.Timestamp.IsZero() {
		return false, Error.New("position requires node id and timestamp")
	}

	const stmt = `
	INSERT INTO positions (node_id, timestamp, latitude, longitude, altitude, location_source, gateway_id, sync_seq)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(node_id, timestamp) DO NOTHING;`

	inserted, err := s.insertAppendOnly(ctx, stmt, func(seq int64) []any {
		return []any{
			p.NodeID,
			formatTime(p.Timestamp),
			nullFloat(p.Latitude),
			nullFloat(p.Longitude),
			nullInt(p.Altitude),
			nullString(p.LocationSource),
			nullGatewayID(p.GatewayID),
			seq,
		}
	})
	if err != nil {
		return false, Error.Wrap(fmt.Errorf("insert position: %w", err))
	}
	return inserted, nil
}

// InsertMetric appends a device metrics sample, deduplicated by node and timestamp.
func (s *Store) InsertMetric(ctx context.Context, m model.DeviceMetric) (bool, error) {
	if m.NodeID == "" || m.Timestamp.IsZero() {
		return false, Error.New("device metric requires node id and timestamp")
	}

	const stmt = `
	INSERT INTO device_metrics (node_id, timestamp, battery_level, voltage, channel_utilization, air_util_tx, uptime_seconds, gateway_id, sync_seq)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(node_id, timestamp) DO NOTHING;`

	inserted, err := s.insertAppendOnly(ctx, stmt, func(seq int64) []any {
		return []any{
			m.NodeID,
			formatTime(m.Timestamp),
			nullInt(m.BatteryLevel),
			nullFloat(m.Voltage),
			nullFloat(m.ChannelUtilization),
			nullFloat(m.AirUtilTx),
			nullInt64(m.UptimeSeconds),
			nullGatewayID(m.GatewayID),
			seq,
		}
	})
	if err != nil {
		return false, Error.Wrap(fmt.Errorf("insert device metric: %w", err))
	}
	return inserted, nil
}

// InsertMessage appends a text message, deduplicated by timestamp, sender and
// recipient. An empty recipient is stored as the broadcast address.
func (s *Store) InsertMessage(ctx context.Context, m model.Message) (bool, error) {
	if m.FromNode == "" || m.Timestamp.IsZero() {
		return false, Error.New("message requires sender and timestamp")
	}
	to := m.ToNode
	if to == "" {
		to = model.BroadcastNode
	}

	const stmt = `
	INSERT INTO messages (timestamp, from_node, to_node, channel, text, port_num, gateway_id, sync_seq)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(timestamp, from_node, to_node) DO NOTHING;`

	inserted, err := s.insertAppendOnly(ctx, stmt, func(seq int64) []any {
		return []any{
			formatTime(m.Timestamp),
			m.FromNode,
			to,
			m.Channel,
			m.Text,
			nullString(m.PortNum),
			nullGatewayID(m.GatewayID),
			seq,
		}
	})
	if err != nil {
		return false, Error.Wrap(fmt.Errorf("insert message: %w", err))
	}
	return inserted, nil
}

func (s *Store) insertAppendOnly(ctx context.Context, stmt string, args func(seq int64) []any) (bool, error) {
	if s == nil || s.w == nil {
		return false, errors.New("store not initialized")
	}

	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, stmt, args(seq)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// InsertIngestionError persists an event that could not be stored.
func (s *Store) InsertIngestionError(ctx context.Context, rec model.IngestionError) error {
	if s == nil || s.w == nil {
		return Error.New("store not initialized")
	}
	_, err := s.w.ExecContext(ctx,
		`INSERT INTO ingestion_errors (endpoint, kind, payload, error, created_at) VALUES (?, ?, ?, ?, ?);`,
		nullString(rec.Endpoint), nullString(rec.Kind), nullString(rec.Payload), rec.Error, formatTime(s.nowFn()),
	)
	if err != nil {
		return Error.Wrap(fmt.Errorf("insert ingestion error: %w", err))
	}
	return nil
}

func nullGatewayID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}
