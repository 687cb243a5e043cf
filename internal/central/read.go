package central

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"meshmonitor/go-collector/internal/model"
)

// Collectors lists every collector that has ever synced, most recent first.
func (s *Store) Collectors(ctx context.Context) ([]model.Collector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collector_id, COALESCE(name, ''), COALESCE(location, ''), first_seen, last_seen, record_count
		FROM collectors
		ORDER BY last_seen DESC, collector_id;`)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("query collectors: %w", err))
	}
	defer rows.Close()

	var out []model.Collector
	for rows.Next() {
		var c model.Collector
		if err := rows.Scan(&c.CollectorID, &c.Name, &c.Location,
			timeValue{&c.FirstSeen}, timeValue{&c.LastSeen}, &c.RecordCount); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, c)
	}
	return out, Error.Wrap(rows.Err())
}

// Collector returns one collector by id.
func (s *Store) Collector(ctx context.Context, id string) (model.Collector, error) {
	var c model.Collector
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT collector_id, COALESCE(name, ''), COALESCE(location, ''), first_seen, last_seen, record_count
		FROM collectors WHERE collector_id = ?;`), id).
		Scan(&c.CollectorID, &c.Name, &c.Location, timeValue{&c.FirstSeen}, timeValue{&c.LastSeen}, &c.RecordCount)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, Error.Wrap(err)
}

// Node returns the merged view of one node.
func (s *Store) Node(ctx context.Context, nodeID string) (model.Node, error) {
	var (
		n                        model.Node
		num                      sql.NullInt64
		long, short, hw, fw, mac sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT node_id, node_num, long_name, short_name, hw_model, firmware_version, mac_addr, first_seen, last_seen
		FROM nodes WHERE node_id = ?;`), nodeID).
		Scan(&n.NodeID, &num, &long, &short, &hw, &fw, &mac, timeValue{&n.FirstSeen}, timeValue{&n.LastSeen})
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	if err != nil {
		return n, Error.Wrap(err)
	}
	if num.Valid {
		v := num.Int64
		n.NodeNum = &v
	}
	n.LongName, n.ShortName, n.HWModel = long.String, short.String, hw.String
	n.FirmwareVersion, n.MACAddr = fw.String, mac.String
	return n, nil
}

// Stats counts rows across all collectors.
func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	counts := []struct {
		table string
		dst   *int64
	}{
		{"gateways", &st.Gateways},
		{"nodes", &st.Nodes},
		{"positions", &st.Positions},
		{"device_metrics", &st.Metrics},
		{"messages", &st.Messages},
		{"collectors", &st.Collectors},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return st, Error.Wrap(fmt.Errorf("count %s: %w", c.table, err))
		}
	}
	return st, nil
}

// CountWhere counts rows of table owned by collectorID.
func (s *Store) CountWhere(ctx context.Context, table, collectorID string) (int64, error) {
	found := false
	for _, t := range model.SyncTables {
		if t == table {
			found = true
		}
	}
	if !found {
		return 0, Error.New("unknown table %q", table)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind("SELECT COUNT(*) FROM "+table+" WHERE collector_id = ?"), collectorID).Scan(&n)
	return n, Error.Wrap(err)
}
