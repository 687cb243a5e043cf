package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"meshmonitor/go-collector/internal/model"
)

// ErrUnsupportedPacket marks well-formed packets the collector does not ingest.
var ErrUnsupportedPacket = errors.New("unsupported packet")

const broadcastNum = 0xFFFFFFFF

// Packet is the JSON form a gateway publishes for each received mesh packet.
type Packet struct {
	ID        uint32          `json:"id"`
	From      uint32          `json:"from"`
	To        uint32          `json:"to"`
	Channel   int             `json:"channel"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type positionPayload struct {
	LatitudeI      *int64 `json:"latitude_i"`
	LongitudeI     *int64 `json:"longitude_i"`
	Altitude       *int   `json:"altitude"`
	Time           int64  `json:"time"`
	LocationSource string `json:"location_source"`
}

type telemetryPayload struct {
	BatteryLevel       *int     `json:"battery_level"`
	Voltage            *float64 `json:"voltage"`
	ChannelUtilization *float64 `json:"channel_utilization"`
	AirUtilTx          *float64 `json:"air_util_tx"`
	UptimeSeconds      *int64   `json:"uptime_seconds"`
}

type nodeInfoPayload struct {
	ID              string          `json:"id"`
	LongName        string          `json:"longname"`
	ShortName       string          `json:"shortname"`
	Hardware        json.RawMessage `json:"hardware"`
	MACAddr         string          `json:"macaddr"`
	FirmwareVersion string          `json:"firmware_version"`
}

type textPayload struct {
	Text string `json:"text"`
}

// NewPacket builds a packet with payload marshalled to JSON.
func NewPacket(kind string, from, to uint32, sender string, ts time.Time, payload any) (Packet, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("encode payload: %w", err)
	}
	return Packet{
		ID:        uint32(ts.UnixNano()),
		From:      from,
		To:        to,
		Sender:    sender,
		Timestamp: ts.Unix(),
		Type:      kind,
		Payload:   raw,
	}, nil
}

// Topic returns the JSON uplink topic a gateway publishes on.
func Topic(region, channel, gatewayNode string) string {
	return fmt.Sprintf("msh/%s/2/json/%s/%s", region, channel, gatewayNode)
}

// NodeID renders a node number in the canonical "!xxxxxxxx" form.
func NodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// DecodePacket converts a gateway JSON publish into a typed event. Packets of
// kinds the collector does not store return ErrUnsupportedPacket; anything
// else that cannot be decoded returns a descriptive error.
func DecodePacket(topic string, payload []byte) (model.Event, error) {
	if !strings.Contains(topic, "/json/") {
		return model.Event{}, fmt.Errorf("%w: topic %q is not a json topic", ErrUnsupportedPacket, topic)
	}

	var env Packet
	if err := json.Unmarshal(payload, &env); err != nil {
		return model.Event{}, fmt.Errorf("decode packet: %w", err)
	}
	if env.From == 0 {
		return model.Event{}, fmt.Errorf("packet without sender node")
	}

	ev := model.Event{GatewayNode: env.Sender}
	if ev.GatewayNode == "" {
		if last := topic[strings.LastIndex(topic, "/")+1:]; strings.HasPrefix(last, "!") {
			ev.GatewayNode = last
		}
	}
	if env.Timestamp > 0 {
		ev.Time = time.Unix(env.Timestamp, 0).UTC()
	}

	from := NodeID(env.From)

	switch env.Type {
	case "text":
		var p textPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return model.Event{}, err
		}
		to := model.BroadcastNode
		if env.To != 0 && env.To != broadcastNum {
			to = NodeID(env.To)
		}
		ev.Kind = model.EventTextReceived
		ev.Payload = model.TextMessage{
			From:    from,
			To:      to,
			Channel: env.Channel,
			Text:    p.Text,
			PortNum: "TEXT_MESSAGE_APP",
		}

	case "position":
		var p positionPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return model.Event{}, err
		}
		if p.LatitudeI == nil && p.LongitudeI == nil {
			return model.Event{}, fmt.Errorf("position without coordinates")
		}
		report := model.PositionReport{
			NodeID:         from,
			LatitudeI:      p.LatitudeI,
			LongitudeI:     p.LongitudeI,
			Altitude:       p.Altitude,
			LocationSource: p.LocationSource,
		}
		if p.Time > 0 {
			report.FixTime = time.Unix(p.Time, 0).UTC()
		}
		ev.Kind = model.EventPositionReceived
		ev.Payload = report

	case "telemetry":
		var p telemetryPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return model.Event{}, err
		}
		if p.BatteryLevel == nil && p.Voltage == nil && p.ChannelUtilization == nil &&
			p.AirUtilTx == nil && p.UptimeSeconds == nil {
			// environment or power telemetry
			return model.Event{}, fmt.Errorf("%w: telemetry without device metrics", ErrUnsupportedPacket)
		}
		ev.Kind = model.EventTelemetryReceived
		ev.Payload = model.TelemetryReport{
			NodeID:             from,
			BatteryLevel:       p.BatteryLevel,
			Voltage:            p.Voltage,
			ChannelUtilization: p.ChannelUtilization,
			AirUtilTx:          p.AirUtilTx,
			UptimeSeconds:      p.UptimeSeconds,
		}

	case "nodeinfo":
		var p nodeInfoPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return model.Event{}, err
		}
		nodeID := p.ID
		if nodeID == "" {
			nodeID = from
		}
		num := int64(env.From)
		ev.Kind = model.EventUserInfoUpdated
		ev.Payload = model.UserInfo{
			NodeID:          nodeID,
			NodeNum:         &num,
			LongName:        p.LongName,
			ShortName:       p.ShortName,
			HWModel:         hardwareModel(p.Hardware),
			FirmwareVersion: p.FirmwareVersion,
			MACAddr:         p.MACAddr,
		}

	default:
		return model.Event{}, fmt.Errorf("%w: type %q", ErrUnsupportedPacket, env.Type)
	}

	return ev, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("packet without payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

var hardwareModels = map[int]string{
	0:  "UNSET",
	1:  "TLORA_V2",
	2:  "TLORA_V1",
	3:  "TLORA_V2_1_1P6",
	4:  "TBEAM",
	5:  "HELTEC_V2_0",
	6:  "TBEAM_V0P7",
	7:  "T_ECHO",
	8:  "TLORA_V1_1P3",
	9:  "RAK4631",
	10: "HELTEC_V2_1",
	11: "HELTEC_V1",
	43: "HELTEC_V3",
}

// hardwareModel accepts either the numeric enum or its name.
func hardwareModel(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var num int
	if err := json.Unmarshal(raw, &num); err != nil {
		return ""
	}
	if s, ok := hardwareModels[num]; ok {
		return s
	}
	return "HW_" + strconv.Itoa(num)
}
