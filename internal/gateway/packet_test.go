package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmonitor/go-collector/internal/model"
)

const testTopic = "msh/EU_868/2/json/LongFast/!a1b2c3d4"

func TestDecodeText(t *testing.T) {
	ev, err := DecodePacket(testTopic, []byte(`{
		"id": 1234, "from": 3735928559, "to": 4294967295, "channel": 0,
		"sender": "!a1b2c3d4", "timestamp": 1714564800, "type": "text",
		"payload": {"text": "hello mesh"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, model.EventTextReceived, ev.Kind)
	assert.Equal(t, "!a1b2c3d4", ev.GatewayNode)
	assert.True(t, ev.Time.Equal(time.Unix(1714564800, 0)))

	msg := ev.Payload.(model.TextMessage)
	assert.Equal(t, "!deadbeef", msg.From)
	assert.Equal(t, model.BroadcastNode, msg.To)
	assert.Equal(t, "hello mesh", msg.Text)
}

func TestDecodeDirectMessageUsesTopicGateway(t *testing.T) {
	ev, err := DecodePacket(testTopic, []byte(`{"from": 1, "to": 2, "type": "text", "payload": {"text": "psst"}}`))
	require.NoError(t, err)
	assert.Equal(t, "!a1b2c3d4", ev.GatewayNode)
	assert.Equal(t, "!00000002", ev.Payload.(model.TextMessage).To)
	assert.True(t, ev.Time.IsZero())
}

func TestDecodePosition(t *testing.T) {
	ev, err := DecodePacket(testTopic, []byte(`{
		"from": 305419896, "type": "position", "timestamp": 1714564800,
		"payload": {"latitude_i": 525200000, "longitude_i": 134050000, "altitude": 34, "time": 1714564790}
	}`))
	require.NoError(t, err)

	assert.Equal(t, model.EventPositionReceived, ev.Kind)
	pos := ev.Payload.(model.PositionReport)
	assert.Equal(t, "!12345678", pos.NodeID)
	assert.EqualValues(t, 525200000, *pos.LatitudeI)
	assert.Equal(t, 34, *pos.Altitude)
	assert.True(t, pos.FixTime.Equal(time.Unix(1714564790, 0)))
}

func TestDecodeTelemetry(t *testing.T) {
	ev, err := DecodePacket(testTopic, []byte(`{
		"from": 16, "type": "telemetry",
		"payload": {"battery_level": 101, "voltage": 4.2, "channel_utilization": 12.5, "air_util_tx": 1.5, "uptime_seconds": 3600}
	}`))
	require.NoError(t, err)

	tel := ev.Payload.(model.TelemetryReport)
	assert.Equal(t, 101, *tel.BatteryLevel)
	assert.InDelta(t, 4.2, *tel.Voltage, 1e-9)
	assert.EqualValues(t, 3600, *tel.UptimeSeconds)

	_, err = DecodePacket(testTopic, []byte(`{"from": 16, "type": "telemetry", "payload": {"temperature": 21.5}}`))
	assert.ErrorIs(t, err, ErrUnsupportedPacket)
}

func TestDecodeNodeInfo(t *testing.T) {
	ev, err := DecodePacket(testTopic, []byte(`{
		"from": 2882400001, "type": "nodeinfo",
		"payload": {"id": "!abcdef01", "longname": "Ridge Relay", "shortname": "RR", "hardware": 43}
	}`))
	require.NoError(t, err)

	info := ev.Payload.(model.UserInfo)
	assert.Equal(t, "!abcdef01", info.NodeID)
	assert.EqualValues(t, 2882400001, *info.NodeNum)
	assert.Equal(t, "Ridge Relay", info.LongName)
	assert.Equal(t, "HELTEC_V3", info.HWModel)

	ev, err = DecodePacket(testTopic, []byte(`{"from": 7, "type": "nodeinfo", "payload": {"hardware": "TBEAM"}}`))
	require.NoError(t, err)
	info = ev.Payload.(model.UserInfo)
	assert.Equal(t, "!00000007", info.NodeID)
	assert.Equal(t, "TBEAM", info.HWModel)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]struct {
		topic       string
		payload     string
		unsupported bool
	}{
		"not json":         {testTopic, `{{`, false},
		"no sender":        {testTopic, `{"type": "text", "payload": {"text": "x"}}`, false},
		"no payload":       {testTopic, `{"from": 1, "type": "position"}`, false},
		"no coordinates":   {testTopic, `{"from": 1, "type": "position", "payload": {"altitude": 3}}`, false},
		"traceroute":       {testTopic, `{"from": 1, "type": "traceroute", "payload": {}}`, true},
		"protobuf uplink":  {"msh/EU_868/2/e/LongFast/!a1b2c3d4", `{}`, true},
		"bad payload type": {testTopic, `{"from": 1, "type": "text", "payload": "hello"}`, false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePacket(tc.topic, []byte(tc.payload))
			require.Error(t, err)
			if tc.unsupported {
				assert.ErrorIs(t, err, ErrUnsupportedPacket)
			} else {
				assert.NotErrorIs(t, err, ErrUnsupportedPacket)
			}
		})
	}
}

func TestNewPacketRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pkt, err := NewPacket("text", 0xdeadbeef, 0xffffffff, "!a1b2c3d4", ts, map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "msh/EU_868/2/json/LongFast/!a1b2c3d4", Topic("EU_868", "LongFast", "!a1b2c3d4"))
	assert.EqualValues(t, ts.Unix(), pkt.Timestamp)
	assert.JSONEq(t, `{"text":"hi"}`, string(pkt.Payload))
}
