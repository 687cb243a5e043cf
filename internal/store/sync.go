package store

import (
	"context"
	"fmt"
	"slices"

	"meshmonitor/go-collector/internal/model"
)

// SyncCursors returns the acknowledged sync cursor per table. Tables that were
// never synced report zero.
func (s *Store) SyncCursors(ctx context.Context) (model.Cursors, error) {
	cursors := make(model.Cursors, len(model.SyncTables))
	for _, table := range model.SyncTables {
		cursors[table] = 0
	}

	rows, err := s.r.QueryContext(ctx, `SELECT table_name, cursor FROM sync_state;`)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("query sync state: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table  string
			cursor int64
		)
		if err := rows.Scan(&table, &cursor); err != nil {
			return nil, Error.Wrap(fmt.Errorf("scan sync state: %w", err))
		}
		cursors[table] = cursor
	}
	return cursors, Error.Wrap(rows.Err())
}

// AdvanceCursor records that every row of table up to seq has been accepted
// centrally. Cursors never move backwards.
func (s *Store) AdvanceCursor(ctx context.Context, table string, seq int64) error {
	if !slices.Contains(model.SyncTables, table) {
		return Error.New("unknown sync table %q", table)
	}
	if seq <= 0 {
		return nil
	}

	_, err := s.w.ExecContext(ctx, `
		INSERT INTO sync_state (table_name, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			cursor = MAX(sync_state.cursor, excluded.cursor),
			updated_at = excluded.updated_at;`,
		table, seq, formatTime(s.nowFn()),
	)
	if err != nil {
		return Error.Wrap(fmt.Errorf("advance cursor %s: %w", table, err))
	}
	return nil
}

// UnsyncedSince returns up to limit rows per table whose sync sequence is
// beyond the given cursor, ordered by sequence. The read runs in a single
// snapshot so tables are mutually consistent.
func (s *Store) UnsyncedSince(ctx context.Context, cursors model.Cursors, limit int) (model.Batch, error) {
	if limit <= 0 {
		limit = 1000
	}

	tx, err := s.r.BeginTx(ctx, nil)
	if err != nil {
		return model.Batch{}, Error.Wrap(fmt.Errorf("begin read: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var batch model.Batch

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sync_seq, host, port, node_id, first_seen, last_seen
		FROM gateways WHERE sync_seq > ? ORDER BY sync_seq LIMIT ?;`, cursors[model.TableGateways], limit)
	if err != nil {
		return model.Batch{}, Error.Wrap(fmt.Errorf("query unsynced gateways: %w", err))
	}
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			rows.Close()
			return model.Batch{}, Error.Wrap(err)
		}
		batch.Gateways = append(batch.Gateways, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Batch{}, Error.Wrap(err)
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT sync_seq, node_id, node_num, long_name, short_name, hw_model, firmware_version, mac_addr, first_seen, last_seen
		FROM nodes WHERE sync_seq > ? ORDER BY sync_seq LIMIT ?;`, cursors[model.TableNodes], limit)
	if err != nil {
		return model.Batch{}, Error.Wrap(fmt.Errorf("query unsynced nodes: %w", err))
	}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return model.Batch{}, Error.Wrap(err)
		}
		batch.Nodes = append(batch.Nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Batch{}, Error.Wrap(err)
	}

	rows, err = tx.QueryContext(ctx, positionSelect+`
		WHERE p.sync_seq > ? ORDER BY p.sync_seq LIMIT ?;`, cursors[model.TablePositions], limit)
	if err != nil {
		return model.Batch{}, Error.Wrap(fmt.Errorf("query unsynced positions: %w", err))
	}
	batch.Positions, err = collectPositions(rows)
	rows.Close()
	if err != nil {
		return model.Batch{}, err
	}

	rows, err = tx.QueryContext(ctx, metricSelect+`
		WHERE m.sync_seq > ? ORDER BY m.sync_seq LIMIT ?;`, cursors[model.TableMetrics], limit)
	if err != nil {
		return model.Batch{}, Error.Wrap(fmt.Errorf("query unsynced device metrics: %w", err))
	}
	batch.Metrics, err = collectMetrics(rows)
	rows.Close()
	if err != nil {
		return model.Batch{}, err
	}

	rows, err = tx.QueryContext(ctx, messageSelect+`
		WHERE m.sync_seq > ? ORDER BY m.sync_seq LIMIT ?;`, cursors[model.TableMessages], limit)
	if err != nil {
		return model.Batch{}, Error.Wrap(fmt.Errorf("query unsynced messages: %w", err))
	}
	batch.Messages, err = collectMessages(rows)
	rows.Close()
	if err != nil {
		return model.Batch{}, err
	}

	return batch, nil
}

// UnsyncedCounts returns how many rows per table are beyond the current cursors.
func (s *Store) UnsyncedCounts(ctx context.Context) (map[string]int64, error) {
	cursors, err := s.SyncCursors(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(model.SyncTables))
	for _, table := range model.SyncTables {
		var n int64
		// table comes from the fixed SyncTables list.
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE sync_seq > ?;`, table)
		if err := s.r.QueryRowContext(ctx, q, cursors[table]).Scan(&n); err != nil {
			return nil, Error.Wrap(fmt.Errorf("count unsynced %s: %w", table, err))
		}
		counts[table] = n
	}
	return counts, nil
}
