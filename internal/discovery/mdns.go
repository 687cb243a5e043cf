// Package discovery advertises and finds mesh gateways over mDNS.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"

	"meshmonitor/go-collector/internal/model"
)

const (
	ServiceType = "_meshgateway._tcp"
	Domain      = "local."
)

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Advertise registers a gateway bridge listening on port. The node id, when
// known, is published in the TXT record.
func Advertise(name string, port int, nodeID string, logger *slog.Logger) (*Advertisement, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	if logger == nil {
		logger = slog.Default()
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "meshgateway"
	}
	if name == "" {
		name = fmt.Sprintf("Mesh Gateway (%s)", hostname)
	}

	instance := sanitizeInstance(name)
	hostLabel := sanitizeHost(hostname)
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}

	txt := []string{
		fmt.Sprintf("mqtt_port=%d", port),
		"format=json",
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}
	if nodeID != "" {
		txt = append(txt, "node_id="+nodeID)
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}

	logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return &Advertisement{server: server, logger: logger}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.server = nil
}

// Browse resolves gateway advertisements until ctx is cancelled and calls add
// with the endpoint of each one found. add may be called repeatedly for the
// same endpoint.
func Browse(ctx context.Context, add func(model.Endpoint), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			ep, ok := endpointFromEntry(entry)
			if !ok {
				logger.Debug("mDNS entry without address", "instance", entry.Instance)
				continue
			}
			logger.Info("gateway discovered", "instance", entry.Instance, "endpoint", ep.String())
			add(ep)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	return nil
}

func endpointFromEntry(entry *zeroconf.ServiceEntry) (model.Endpoint, bool) {
	port := entry.Port
	for _, kv := range entry.Text {
		if v, ok := strings.CutPrefix(kv, "mqtt_port="); ok {
			var p int
			if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
				port = p
			}
		}
	}
	if port <= 0 {
		return model.Endpoint{}, false
	}

	switch {
	case len(entry.AddrIPv4) > 0:
		return model.Endpoint{Host: entry.AddrIPv4[0].String(), Port: port}, true
	case len(entry.AddrIPv6) > 0:
		return model.Endpoint{Host: entry.AddrIPv6[0].String(), Port: port}, true
	case entry.HostName != "":
		return model.Endpoint{Host: strings.TrimSuffix(entry.HostName, "."), Port: port}, true
	}
	return model.Endpoint{}, false
}

func sanitizeInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.ReplaceAll(cleaned, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, ".", " ")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	if cleaned == "" {
		cleaned = "Mesh Gateway"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}

func sanitizeHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	replacer := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "")
	cleaned = replacer.Replace(cleaned)
	if cleaned == "" {
		cleaned = "meshgateway"
	}
	// Host labels must be <=63 characters.
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
