package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmonitor/go-collector/internal/model"
	"meshmonitor/go-collector/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "collector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func newRouter(s Store) *Router {
	return New(s, Config{RetryInterval: time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func i64(v int64) *int64 { return &v }
func iptr(v int) *int    { return &v }

var t1 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestPositionForUnknownNodeCreatesStub(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := newRouter(s)

	err := r.Handle(ctx, model.Event{
		Kind: model.EventPositionReceived,
		Time: t1,
		Payload: model.PositionReport{
			NodeID:     "!bbbb2222",
			LatitudeI:  i64(525200000),
			LongitudeI: i64(134050000),
		},
	})
	require.NoError(t, err)

	n, err := s.Node(ctx, "!bbbb2222")
	require.NoError(t, err)
	assert.True(t, n.FirstSeen.Equal(t1))
	assert.True(t, n.LastSeen.Equal(t1))
	assert.Empty(t, n.LongName)

	positions, err := s.Positions(ctx, "!bbbb2222", 10)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 52.52, *positions[0].Latitude, 1e-9)
	assert.InDelta(t, 13.405, *positions[0].Longitude, 1e-9)
}

func TestPositionUsesDeviceFixTime(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := newRouter(s)

	fix := t1.Add(-10 * time.Minute)
	report := model.PositionReport{NodeID: "!cccc3333", LatitudeI: i64(1), LongitudeI: i64(2), FixTime: fix}

	// the same fix relayed in two packets received at different times
	for _, received := range []time.Time{t1, t1.Add(time.Minute)} {
		require.NoError(t, r.Handle(ctx, model.Event{Kind: model.EventPositionReceived, Time: received, Payload: report}))
	}

	positions, err := s.Positions(ctx, "!cccc3333", 10)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Timestamp.Equal(fix), "timestamp %s", positions[0].Timestamp)

	n, err := s.Node(ctx, "!cccc3333")
	require.NoError(t, err)
	assert.True(t, n.LastSeen.Equal(t1.Add(time.Minute)), "last_seen follows receive time, got %s", n.LastSeen)

	report.FixTime = time.Time{}
	require.NoError(t, r.Handle(ctx, model.Event{Kind: model.EventPositionReceived, Time: t1, Payload: report}))
	positions, err = s.Positions(ctx, "!cccc3333", 10)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.True(t, positions[0].Timestamp.Equal(t1), "without a fix time the receive time is used")
}

func TestNodeLastSeenIsMaxAcrossGateways(t *testing.T) {
	t2 := t1.Add(5 * time.Minute)

	orders := map[string][]time.Time{
		"in order":  {t1, t2},
		"reordered": {t2, t1},
	}
	for name, times := range orders {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			r := newRouter(s)

			for i, ts := range times {
				require.NoError(t, r.Handle(ctx, model.Event{
					Kind:     model.EventUserInfoUpdated,
					Endpoint: []string{"gw-a:1883", "gw-b:1883"}[i],
					Time:     ts,
					Payload:  model.UserInfo{NodeID: "!aaaa1111", LongName: ts.Format(time.Kitchen)},
				}))
			}

			n, err := s.Node(ctx, "!aaaa1111")
			require.NoError(t, err)
			assert.True(t, n.LastSeen.Equal(t2), "last_seen %s", n.LastSeen)
			assert.False(t, n.FirstSeen.After(n.LastSeen), "first_seen %s", n.FirstSeen)
			assert.Equal(t, t2.Format(time.Kitchen), n.LongName)
		})
	}
}

func TestDuplicateDeliveriesAreAbsorbed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := newRouter(s)

	var outcomes []Outcome
	r.OnResult(func(_ model.EventKind, o Outcome) { outcomes = append(outcomes, o) })

	events := []model.Event{
		{Kind: model.EventPositionReceived, Time: t1, Payload: model.PositionReport{NodeID: "!00000001", LatitudeI: i64(1), LongitudeI: i64(2)}},
		{Kind: model.EventTelemetryReceived, Time: t1, Payload: model.TelemetryReport{NodeID: "!00000001", BatteryLevel: iptr(77)}},
		{Kind: model.EventTextReceived, Time: t1, Payload: model.TextMessage{From: "!00000001", Text: "hi"}},
	}
	for round := 0; round < 3; round++ {
		for _, ev := range events {
			require.NoError(t, r.Handle(ctx, ev))
		}
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Positions)
	assert.EqualValues(t, 1, stats.Metrics)
	assert.EqualValues(t, 1, stats.Messages)
	assert.EqualValues(t, 1, stats.Nodes)

	require.Len(t, outcomes, 9)
	assert.Equal(t, []Outcome{OutcomeStored, OutcomeStored, OutcomeStored}, outcomes[:3])
	for _, o := range outcomes[3:] {
		assert.Equal(t, OutcomeDuplicate, o)
	}
}

func TestTelemetryNormalisation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := newRouter(s)

	require.NoError(t, r.Handle(ctx, model.Event{
		Kind:    model.EventTelemetryReceived,
		Payload: model.TelemetryReport{NodeID: "!00000009", BatteryLevel: iptr(101)},
	}))

	metrics, err := s.Metrics(ctx, "!00000009", 1)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, 100, *metrics[0].BatteryLevel)
	assert.WithinDuration(t, time.Now(), metrics[0].Timestamp, time.Minute, "zero event time defaults to now")
}

func TestMalformedEventsAreRecordedAndDropped(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := newRouter(s)

	bad := []model.Event{
		{Kind: model.EventPositionReceived, Endpoint: "gw:1883", Payload: model.TextMessage{}},
		{Kind: model.EventPositionReceived, Payload: model.PositionReport{NodeID: "!00000001", LatitudeI: i64(1000000000)}},
		{Kind: model.EventTelemetryReceived, Payload: model.TelemetryReport{}},
		{Kind: model.EventTextReceived, Payload: model.TextMessage{Text: "orphan"}},
		{Kind: model.EventKind(99)},
	}
	for _, ev := range bad {
		err := r.Handle(ctx, ev)
		require.Error(t, err)
		assert.True(t, IngestError.Has(err), err.Error())
	}

	recs, err := s.IngestionErrors(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, len(bad))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Positions+stats.Metrics+stats.Messages+stats.Nodes)
}

func TestConnectionEventsDoNotWrite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := newRouter(s)

	require.NoError(t, r.Handle(ctx, model.Event{Kind: model.EventConnectionEstablished, Endpoint: "gw:1883"}))
	require.NoError(t, r.Handle(ctx, model.Event{Kind: model.EventConnectionLost, Endpoint: "gw:1883"}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Gateways+stats.Nodes)
}

type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) InsertMessage(ctx context.Context, m model.Message) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return false, errors.New("database is locked")
	}
	return f.Store.InsertMessage(ctx, m)
}

func TestStoreFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	flaky := &flakyStore{Store: s, failures: 2}
	r := newRouter(flaky)
	require.NoError(t, r.Handle(ctx, model.Event{Kind: model.EventTextReceived, Time: t1, Payload: model.TextMessage{From: "!00000001", Text: "retry me"}}))
	assert.Equal(t, 3, flaky.calls)

	broken := &flakyStore{Store: s, failures: 100}
	r = newRouter(broken)
	err := r.Handle(ctx, model.Event{Kind: model.EventTextReceived, Time: t1.Add(time.Second), Payload: model.TextMessage{From: "!00000001", Text: "lost"}})
	require.Error(t, err)
	assert.False(t, IngestError.Has(err))
	assert.Equal(t, 4, broken.calls, "one attempt plus three retries")

	recs, err := s.IngestionErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Payload, "lost")
}

func TestRunDrainsFeed(t *testing.T) {
	s := newStore(t)
	r := newRouter(s)

	feed := make(chan model.Event, 3)
	for i := 0; i < 3; i++ {
		feed <- model.Event{
			Kind:    model.EventTextReceived,
			Time:    t1.Add(time.Duration(i) * time.Second),
			Payload: model.TextMessage{From: "!00000005", Text: "queued"},
		}
	}
	close(feed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx, feed))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Messages)
}
