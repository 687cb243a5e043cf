package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmonitor/go-collector/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "data", "collector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestInitSchemaIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitSchema(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestUpsertGateway(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.UpsertGateway(ctx, model.Gateway{Host: "10.0.0.5", Port: 1883, LastSeen: t0})
	require.NoError(t, err)
	require.Positive(t, id)

	again, err := s.UpsertGateway(ctx, model.Gateway{Host: "10.0.0.5", Port: 1883, NodeID: "!a1b2c3d4", LastSeen: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	// an older heartbeat must not move last_seen back
	_, err = s.UpsertGateway(ctx, model.Gateway{Host: "10.0.0.5", Port: 1883, LastSeen: t0.Add(-time.Hour)})
	require.NoError(t, err)

	g, err := s.Gateway(ctx, model.Endpoint{Host: "10.0.0.5", Port: 1883})
	require.NoError(t, err)
	assert.Equal(t, "!a1b2c3d4", g.NodeID)
	assert.True(t, g.FirstSeen.Equal(t0))
	assert.True(t, g.LastSeen.Equal(t0.Add(time.Minute)))

	_, err = s.UpsertGateway(ctx, model.Gateway{Host: "", Port: 1883})
	require.Error(t, err)
	assert.True(t, Error.Has(err))

	_, err = s.Gateway(ctx, model.Endpoint{Host: "10.0.0.6", Port: 1883})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertNodeMergesByRecency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertNode(ctx, model.Node{
		NodeID:    "!0000beef",
		LongName:  "Base Camp",
		ShortName: "BC",
		LastSeen:  t0,
	}))

	// newer observation overrides non-empty fields and keeps the rest
	require.NoError(t, s.UpsertNode(ctx, model.Node{
		NodeID:   "!0000beef",
		LongName: "Base Camp 2",
		HWModel:  "TBEAM",
		LastSeen: t0.Add(time.Hour),
	}))

	// older observation only fills gaps
	require.NoError(t, s.UpsertNode(ctx, model.Node{
		NodeID:          "!0000beef",
		LongName:        "Stale Name",
		FirmwareVersion: "2.3.2",
		LastSeen:        t0.Add(-time.Hour),
	}))

	n, err := s.Node(ctx, "!0000beef")
	require.NoError(t, err)
	assert.Equal(t, "Base Camp 2", n.LongName)
	assert.Equal(t, "BC", n.ShortName)
	assert.Equal(t, "TBEAM", n.HWModel)
	assert.Equal(t, "2.3.2", n.FirmwareVersion)
	assert.True(t, n.FirstSeen.Equal(t0))
	assert.True(t, n.LastSeen.Equal(t0.Add(time.Hour)))

	require.Error(t, s.UpsertNode(ctx, model.Node{NodeID: " "}))
}

func TestEnsureNodeNeverRegressesLastSeen(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.EnsureNode(ctx, "!00000001", t0.Add(time.Minute)))
	require.NoError(t, s.EnsureNode(ctx, "!00000001", t0))

	n, err := s.Node(ctx, "!00000001")
	require.NoError(t, err)
	assert.True(t, n.LastSeen.Equal(t0.Add(time.Minute)))

	seqBefore := n.Seq
	require.NoError(t, s.EnsureNode(ctx, "!00000001", t0))
	n, err = s.Node(ctx, "!00000001")
	require.NoError(t, err)
	assert.Equal(t, seqBefore, n.Seq, "stale observations should not requeue the node for sync")

	require.NoError(t, s.EnsureNode(ctx, "!00000001", t0.Add(2*time.Minute)))
	n, err = s.Node(ctx, "!00000001")
	require.NoError(t, err)
	assert.Greater(t, n.Seq, seqBefore)
}

func TestInsertPositionDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	gwID, err := s.UpsertGateway(ctx, model.Gateway{Host: "gw.local", Port: 1883, LastSeen: t0})
	require.NoError(t, err)
	require.NoError(t, s.EnsureNode(ctx, "!00000002", t0))

	pos := model.Position{
		GatewayID: gwID,
		NodeID:    "!00000002",
		Timestamp: t0,
		Latitude:  ptr(52.52),
		Longitude: ptr(13.405),
		Altitude:  ptr(34),
	}
	inserted, err := s.InsertPosition(ctx, pos)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertPosition(ctx, pos)
	require.NoError(t, err)
	assert.False(t, inserted)

	positions, err := s.Positions(ctx, "!00000002", 10)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "gw.local:1883", positions[0].Gateway)
	assert.InDelta(t, 52.52, *positions[0].Latitude, 1e-9)
	assert.Equal(t, 34, *positions[0].Altitude)
}

func TestInsertRequiresKnownNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.InsertMetric(ctx, model.DeviceMetric{NodeID: "!deadbeef", Timestamp: t0, BatteryLevel: ptr(80)})
	require.Error(t, err)
	assert.True(t, Error.Has(err))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Metrics)
}

func TestInsertMessageDefaultsToBroadcast(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.EnsureNode(ctx, "!00000003", t0))

	inserted, err := s.InsertMessage(ctx, model.Message{Timestamp: t0, FromNode: "!00000003", Text: "hello mesh"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertMessage(ctx, model.Message{Timestamp: t0, FromNode: "!00000003", ToNode: model.BroadcastNode, Text: "dup"})
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := s.Messages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.BroadcastNode, msgs[0].ToNode)
	assert.Equal(t, "hello mesh", msgs[0].Text)
	assert.Empty(t, msgs[0].Gateway)
}

func TestUnsyncedSinceFollowsCursors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.EnsureNode(ctx, "!00000004", t0))
	for i := 0; i < 5; i++ {
		_, err := s.InsertMetric(ctx, model.DeviceMetric{
			NodeID:       "!00000004",
			Timestamp:    t0.Add(time.Duration(i) * time.Minute),
			BatteryLevel: ptr(90 - i),
		})
		require.NoError(t, err)
	}

	cursors, err := s.SyncCursors(ctx)
	require.NoError(t, err)
	for _, table := range model.SyncTables {
		assert.Zero(t, cursors[table], table)
	}

	batch, err := s.UnsyncedSince(ctx, cursors, 3)
	require.NoError(t, err)
	require.Len(t, batch.Metrics, 3)
	require.Len(t, batch.Nodes, 1)
	for i := 1; i < len(batch.Metrics); i++ {
		assert.Less(t, batch.Metrics[i-1].Seq, batch.Metrics[i].Seq)
	}

	require.NoError(t, s.AdvanceCursor(ctx, model.TableMetrics, batch.SeqAt(model.TableMetrics, 2)))
	require.NoError(t, s.AdvanceCursor(ctx, model.TableNodes, batch.SeqAt(model.TableNodes, 1)))

	counts, err := s.UnsyncedCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts[model.TableMetrics])
	assert.EqualValues(t, 0, counts[model.TableNodes])

	// cursors only move forward
	require.NoError(t, s.AdvanceCursor(ctx, model.TableMetrics, 1))
	cursors, err = s.SyncCursors(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch.SeqAt(model.TableMetrics, 2), cursors[model.TableMetrics])

	batch, err = s.UnsyncedSince(ctx, cursors, 100)
	require.NoError(t, err)
	require.Len(t, batch.Metrics, 3)
	assert.Equal(t, 88, *batch.Metrics[0].BatteryLevel)
	assert.Empty(t, batch.Nodes)

	require.Error(t, s.AdvanceCursor(ctx, "bogus", 10))
}

func TestIngestionErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertIngestionError(ctx, model.IngestionError{
		Endpoint: "gw.local:1883",
		Kind:     "position",
		Payload:  `{"node":"!x"}`,
		Error:    "boom",
	}))

	recs, err := s.IngestionErrors(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "boom", recs[0].Error)
	assert.Equal(t, "position", recs[0].Kind)
}
