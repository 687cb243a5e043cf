package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"meshmonitor/go-collector/internal/model"
)

const defaultListLimit = 100

// Gateways returns every known gateway ordered by endpoint.
func (s *Store) Gateways(ctx context.Context) ([]model.Gateway, error) {
	rows, err := s.r.QueryContext(ctx, `
		SELECT id, sync_seq, host, port, node_id, first_seen, last_seen
		FROM gateways
		ORDER BY host, port;`)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("query gateways: %w", err))
	}
	defer rows.Close()

	var gateways []model.Gateway
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		gateways = append(gateways, g)
	}
	return gateways, Error.Wrap(rows.Err())
}

// Gateway returns the gateway at ep.
func (s *Store) Gateway(ctx context.Context, ep model.Endpoint) (model.Gateway, error) {
	row := s.r.QueryRowContext(ctx, `
		SELECT id, sync_seq, host, port, node_id, first_seen, last_seen
		FROM gateways WHERE host = ? AND port = ?;`, ep.Host, ep.Port)
	g, err := scanGateway(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Gateway{}, ErrNotFound
	}
	return g, Error.Wrap(err)
}

// Node returns a single node by id.
func (s *Store) Node(ctx context.Context, nodeID string) (model.Node, error) {
	row := s.r.QueryRowContext(ctx, `
		SELECT sync_seq, node_id, node_num, long_name, short_name, hw_model, firmware_version, mac_addr, first_seen, last_seen
		FROM nodes WHERE node_id = ?;`, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, ErrNotFound
	}
	return n, Error.Wrap(err)
}

// Nodes lists nodes, most recently seen first.
func (s *Store) Nodes(ctx context.Context, limit int) ([]model.Node, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.r.QueryContext(ctx, `
		SELECT sync_seq, node_id, node_num, long_name, short_name, hw_model, firmware_version, mac_addr, first_seen, last_seen
		FROM nodes
		ORDER BY last_seen DESC, node_id
		LIMIT ?;`, limit)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("query nodes: %w", err))
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		nodes = append(nodes, n)
	}
	return nodes, Error.Wrap(rows.Err())
}

// Positions returns the latest positions of nodeID, newest first.
func (s *Store) Positions(ctx context.Context, nodeID string, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.r.QueryContext(ctx, positionSelect+`
		WHERE p.node_id = ?
		ORDER BY p.timestamp DESC
		LIMIT ?;`, nodeID, limit)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("query positions: %w", err))
	}
	defer rows.Close()
	return collectPositions(rows)
}

// Metrics returns the latest device metrics of nodeID, newest first.
func (s *Store) Metrics(ctx context.Context, nodeID string, limit int) ([]model.DeviceMetric, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.r.QueryContext(ctx, metricSelect+`
		WHERE m.node_id = ?
		ORDER BY m.timestamp DESC
		LIMIT ?;`, nodeID, limit)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("query device metrics: %w", err))
	}
	defer rows.Close()
	return collectMetrics(rows)
}

// Messages returns the latest messages, newest first.
func (s *Store) Messages(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.r.QueryContext(ctx, messageSelect+`
		ORDER BY m.timestamp DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()
	return collectMessages(rows)
}

// IngestionErrors returns recently recorded ingestion failures, newest first.
func (s *Store) IngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.r.QueryContext(ctx, `
		SELECT COALESCE(endpoint, ''), COALESCE(kind, ''), COALESCE(payload, ''), error
		FROM ingestion_errors
		ORDER BY id DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("query ingestion errors: %w", err))
	}
	defer rows.Close()

	var out []model.IngestionError
	for rows.Next() {
		var rec model.IngestionError
		if err := rows.Scan(&rec.Endpoint, &rec.Kind, &rec.Payload, &rec.Error); err != nil {
			return nil, Error.Wrap(fmt.Errorf("scan ingestion error: %w", err))
		}
		out = append(out, rec)
	}
	return out, Error.Wrap(rows.Err())
}

// Stats returns row counts for every table.
func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.r.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM gateways),
			(SELECT COUNT(*) FROM nodes),
			(SELECT COUNT(*) FROM positions),
			(SELECT COUNT(*) FROM device_metrics),
			(SELECT COUNT(*) FROM messages);`,
	).Scan(&st.Gateways, &st.Nodes, &st.Positions, &st.Metrics, &st.Messages)
	if err != nil {
		return model.Stats{}, Error.Wrap(fmt.Errorf("query stats: %w", err))
	}
	return st, nil
}

const positionSelect = `
	SELECT p.sync_seq, COALESCE(p.gateway_id, 0), p.node_id, p.timestamp, p.latitude, p.longitude, p.altitude,
		COALESCE(p.location_source, ''), g.host, g.port
	FROM positions p
	LEFT JOIN gateways g ON g.id = p.gateway_id`

const metricSelect = `
	SELECT m.sync_seq, COALESCE(m.gateway_id, 0), m.node_id, m.timestamp, m.battery_level, m.voltage,
		m.channel_utilization, m.air_util_tx, m.uptime_seconds, g.host, g.port
	FROM device_metrics m
	LEFT JOIN gateways g ON g.id = m.gateway_id`

const messageSelect = `
	SELECT m.sync_seq, COALESCE(m.gateway_id, 0), m.timestamp, m.from_node, m.to_node, COALESCE(m.channel, 0),
		COALESCE(m.text, ''), COALESCE(m.port_num, ''), g.host, g.port
	FROM messages m
	LEFT JOIN gateways g ON g.id = m.gateway_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanGateway(row scanner) (model.Gateway, error) {
	var (
		g         model.Gateway
		nodeID    sql.NullString
		firstSeen string
		lastSeen  string
	)
	if err := row.Scan(&g.ID, &g.Seq, &g.Host, &g.Port, &nodeID, &firstSeen, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return g, err
		}
		return g, fmt.Errorf("scan gateway: %w", err)
	}
	g.NodeID = nodeID.String
	g.FirstSeen = parseTime(firstSeen)
	g.LastSeen = parseTime(lastSeen)
	return g, nil
}

func scanNode(row scanner) (model.Node, error) {
	var (
		n                            model.Node
		nodeNum                      sql.NullInt64
		longName, shortName, hwModel sql.NullString
		firmware, mac                sql.NullString
		firstSeen, lastSeen          string
	)
	err := row.Scan(&n.Seq, &n.NodeID, &nodeNum, &longName, &shortName, &hwModel, &firmware, &mac, &firstSeen, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return n, err
		}
		return n, fmt.Errorf("scan node: %w", err)
	}
	n.NodeNum = int64Ptr(nodeNum)
	n.LongName = longName.String
	n.ShortName = shortName.String
	n.HWModel = hwModel.String
	n.FirmwareVersion = firmware.String
	n.MACAddr = mac.String
	n.FirstSeen = parseTime(firstSeen)
	n.LastSeen = parseTime(lastSeen)
	return n, nil
}

func collectPositions(rows *sql.Rows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		var (
			p        model.Position
			ts       string
			lat, lon sql.NullFloat64
			alt      sql.NullInt64
			host     sql.NullString
			port     sql.NullInt64
		)
		if err := rows.Scan(&p.Seq, &p.GatewayID, &p.NodeID, &ts, &lat, &lon, &alt, &p.LocationSource, &host, &port); err != nil {
			return nil, Error.Wrap(fmt.Errorf("scan position: %w", err))
		}
		p.Timestamp = parseTime(ts)
		p.Latitude = floatPtr(lat)
		p.Longitude = floatPtr(lon)
		p.Altitude = intPtr(alt)
		p.Gateway = endpointOf(host, port)
		out = append(out, p)
	}
	return out, Error.Wrap(rows.Err())
}

func collectMetrics(rows *sql.Rows) ([]model.DeviceMetric, error) {
	var out []model.DeviceMetric
	for rows.Next() {
		var (
			m              model.DeviceMetric
			ts             string
			battery        sql.NullInt64
			voltage        sql.NullFloat64
			chUtil, airUtl sql.NullFloat64
			uptime         sql.NullInt64
			host           sql.NullString
			port           sql.NullInt64
		)
		if err := rows.Scan(&m.Seq, &m.GatewayID, &m.NodeID, &ts, &battery, &voltage, &chUtil, &airUtl, &uptime, &host, &port); err != nil {
			return nil, Error.Wrap(fmt.Errorf("scan device metric: %w", err))
		}
		m.Timestamp = parseTime(ts)
		m.BatteryLevel = intPtr(battery)
		m.Voltage = floatPtr(voltage)
		m.ChannelUtilization = floatPtr(chUtil)
		m.AirUtilTx = floatPtr(airUtl)
		m.UptimeSeconds = int64Ptr(uptime)
		m.Gateway = endpointOf(host, port)
		out = append(out, m)
	}
	return out, Error.Wrap(rows.Err())
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		var (
			m    model.Message
			ts   string
			host sql.NullString
			port sql.NullInt64
		)
		if err := rows.Scan(&m.Seq, &m.GatewayID, &ts, &m.FromNode, &m.ToNode, &m.Channel, &m.Text, &m.PortNum, &host, &port); err != nil {
			return nil, Error.Wrap(fmt.Errorf("scan message: %w", err))
		}
		m.Timestamp = parseTime(ts)
		m.Gateway = endpointOf(host, port)
		out = append(out, m)
	}
	return out, Error.Wrap(rows.Err())
}

func endpointOf(host sql.NullString, port sql.NullInt64) string {
	if !host.Valid || host.String == "" {
		return ""
	}
	return model.Endpoint{Host: host.String, Port: int(port.Int64)}.String()
}
