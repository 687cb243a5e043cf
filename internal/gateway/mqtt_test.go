package gateway

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmonitor/go-collector/internal/model"
	"meshmonitor/go-collector/internal/mqttbroker"
)

func startTestBroker(t *testing.T) (*mqttbroker.Broker, model.Endpoint) {
	t.Helper()

	b := mqttbroker.New(discardLogger())
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })

	host, portStr, err := net.SplitHostPort(b.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return b, model.Endpoint{Host: host, Port: port}
}

func publishPacket(t *testing.T, b *mqttbroker.Broker, topic string, pkt any) {
	t.Helper()
	raw, err := json.Marshal(pkt)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := b.Publish(topic, raw)
		return err == nil && n > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMQTTDialerStreamsDecodedEvents(t *testing.T) {
	b, ep := startTestBroker(t)

	var dropped atomic.Int32
	d := NewMQTTDialer(MQTTConfig{
		ConnectTimeout: 2 * time.Second,
		OnDrop:         func(string, error) { dropped.Add(1) },
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := d.Dial(ctx, ep)
	require.NoError(t, err)
	defer stream.Close()

	pkt, err := NewPacket("position", 0x12345678, 0xffffffff, "!a1b2c3d4", time.Unix(1714564800, 0),
		map[string]any{"latitude_i": 525200000, "longitude_i": 134050000})
	require.NoError(t, err)
	publishPacket(t, b, Topic("EU_868", "LongFast", "!a1b2c3d4"), pkt)

	select {
	case ev := <-stream.Events():
		assert.Equal(t, model.EventPositionReceived, ev.Kind)
		assert.Equal(t, ep.String(), ev.Endpoint)
		assert.Equal(t, "!12345678", ev.Payload.(model.PositionReport).NodeID)
	case <-time.After(3 * time.Second):
		t.Fatal("no event from stream")
	}

	_, err = b.Publish(Topic("EU_868", "LongFast", "!a1b2c3d4"), []byte(`not json`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dropped.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	b.DropClients()
	select {
	case <-stream.Done():
		assert.Error(t, stream.Err())
	case <-time.After(3 * time.Second):
		t.Fatal("stream loss not detected")
	}
}

func TestMQTTDialerConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	d := NewMQTTDialer(MQTTConfig{ConnectTimeout: time.Second}, discardLogger())
	_, err = d.Dial(context.Background(), model.Endpoint{Host: "127.0.0.1", Port: addr.Port})
	require.Error(t, err)
}
