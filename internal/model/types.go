package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// BroadcastNode is the recipient id used for messages sent to every node.
const BroadcastNode = "^all"

// DefaultGatewayPort is used when an endpoint is given without a port.
const DefaultGatewayPort = 1883

// Endpoint identifies a gateway connection by host and port.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint parses "host", "host:port" or "[v6]:port".
func ParseEndpoint(s string, defaultPort int) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	if strings.ContainsAny(s, " \t\r\n") {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: contains whitespace", s)
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || addrErr.Err != "missing port in address" {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
		}
		return hostOnly(s, defaultPort)
	}

	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port", s)
	}

	return Endpoint{Host: host, Port: port}, nil
}

// hostOnly accepts a bare host name, IPv4 address or bracketed IPv6 address.
func hostOnly(s string, defaultPort int) (Endpoint, error) {
	host := s
	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q", s)
		}
		host = s[1 : len(s)-1]
		if net.ParseIP(host) == nil {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad IPv6 address", s)
		}
	} else if strings.ContainsAny(s, ":[]") {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q", s)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", s)
	}
	if defaultPort < 1 || defaultPort > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing port", s)
	}
	return Endpoint{Host: host, Port: defaultPort}, nil
}

// String returns the canonical host:port key.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Gateway is a mesh device the collector connects to directly.
type Gateway struct {
	ID        int64     `json:"-"`
	Seq       int64     `json:"-"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	NodeID    string    `json:"node_id,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Endpoint returns the gateway's connection endpoint.
func (g Gateway) Endpoint() Endpoint {
	return Endpoint{Host: g.Host, Port: g.Port}
}

// Node is any mesh participant observed through a gateway.
type Node struct {
	Seq             int64     `json:"-"`
	NodeID          string    `json:"node_id"`
	NodeNum         *int64    `json:"node_num,omitempty"`
	LongName        string    `json:"long_name,omitempty"`
	ShortName       string    `json:"short_name,omitempty"`
	HWModel         string    `json:"hw_model,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	MACAddr         string    `json:"mac_addr,omitempty"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// Position is a single location report from a node.
type Position struct {
	Seq            int64     `json:"-"`
	GatewayID      int64     `json:"-"`
	NodeID         string    `json:"node_id"`
	Timestamp      time.Time `json:"timestamp"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	Altitude       *int      `json:"altitude,omitempty"`
	LocationSource string    `json:"location_source,omitempty"`
	Gateway        string    `json:"gateway,omitempty"`
}

// DeviceMetric is a device telemetry sample from a node.
type DeviceMetric struct {
	Seq                int64     `json:"-"`
	GatewayID          int64     `json:"-"`
	NodeID             string    `json:"node_id"`
	Timestamp          time.Time `json:"timestamp"`
	BatteryLevel       *int      `json:"battery_level,omitempty"`
	Voltage            *float64  `json:"voltage,omitempty"`
	ChannelUtilization *float64  `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64  `json:"air_util_tx,omitempty"`
	UptimeSeconds      *int64    `json:"uptime_seconds,omitempty"`
	Gateway            string    `json:"gateway,omitempty"`
}

// Message is a text message seen on the mesh.
type Message struct {
	Seq       int64     `json:"-"`
	GatewayID int64     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	FromNode  string    `json:"from_node"`
	ToNode    string    `json:"to_node"`
	Channel   int       `json:"channel"`
	Text      string    `json:"text"`
	PortNum   string    `json:"port_num,omitempty"`
	Gateway   string    `json:"gateway,omitempty"`
}

// Collector is one deployment instance as known by the central store.
type Collector struct {
	CollectorID string    `json:"collector_id"`
	Name        string    `json:"name,omitempty"`
	Location    string    `json:"location,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	RecordCount int64     `json:"record_count"`
}

// IngestionError captures an event that failed validation or persistence.
type IngestionError struct {
	Endpoint string `json:"endpoint"`
	Kind     string `json:"kind"`
	Payload  string `json:"payload"`
	Error    string `json:"error"`
}

// Stats summarises row counts of a store.
type Stats struct {
	Gateways   int64 `json:"total_gateways"`
	Nodes      int64 `json:"total_nodes"`
	Positions  int64 `json:"total_positions"`
	Metrics    int64 `json:"total_device_metrics"`
	Messages   int64 `json:"total_messages"`
	Collectors int64 `json:"total_collectors,omitempty"`
}
