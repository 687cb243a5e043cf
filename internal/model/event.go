package model

import "time"

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventConnectionEstablished EventKind = iota + 1
	EventConnectionLost
	EventPositionReceived
	EventTelemetryReceived
	EventTextReceived
	EventUserInfoUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionEstablished:
		return "connection_established"
	case EventConnectionLost:
		return "connection_lost"
	case EventPositionReceived:
		return "position"
	case EventTelemetryReceived:
		return "telemetry"
	case EventTextReceived:
		return "text"
	case EventUserInfoUpdated:
		return "user_info"
	default:
		return "unknown"
	}
}

// Event is a typed event read from a single gateway connection.
type Event struct {
	Kind     EventKind
	Endpoint string
	Time     time.Time

	// GatewayNode is the node id of the gateway that relayed the packet, when known.
	GatewayNode string

	// GatewayID is the local gateway row id, set by the connection manager.
	GatewayID int64

	// Payload is one of UserInfo, PositionReport, TelemetryReport, TextMessage or nil.
	Payload any
}

// UserInfo describes a node's self-reported identity.
type UserInfo struct {
	NodeID          string
	NodeNum         *int64
	LongName        string
	ShortName       string
	HWModel         string
	FirmwareVersion string
	MACAddr         string
}

// PositionReport carries a raw position. Coordinates are in 1e-7 degrees.
type PositionReport struct {
	NodeID         string
	LatitudeI      *int64
	LongitudeI     *int64
	Altitude       *int
	LocationSource string

	// FixTime is the time the device took the fix, if reported.
	FixTime time.Time
}

// TelemetryReport carries device metrics.
type TelemetryReport struct {
	NodeID             string
	BatteryLevel       *int
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *int64
}

// TextMessage is a decoded text packet.
type TextMessage struct {
	From    string
	To      string
	Channel int
	Text    string
	PortNum string
}
