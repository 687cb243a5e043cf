// Command gateway-sim runs an MQTT bridge that behaves like a mesh gateway,
// publishing simulated node traffic for collectors to ingest.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"meshmonitor/go-collector/internal/discovery"
	"meshmonitor/go-collector/internal/gateway"
	"meshmonitor/go-collector/internal/mqttbroker"
)

type simNode struct {
	num       uint32
	longName  string
	shortName string
	lat, lon  float64
	battery   int
	uptime    int64
}

func main() {
	listen := pflag.String("listen", ":1883", "MQTT listen address")
	gatewayNum := pflag.Uint32("gateway-node", 0xa1b2c3d4, "node number of the simulated gateway")
	region := pflag.String("region", "EU_868", "region segment of published topics")
	channel := pflag.String("channel", "LongFast", "channel segment of published topics")
	nodes := pflag.Int("nodes", 5, "number of simulated mesh nodes")
	interval := pflag.Duration("interval", 5*time.Second, "interval between simulated packets")
	username := pflag.String("username", "", "require this MQTT username")
	password := pflag.String("password", "", "require this MQTT password")
	advertise := pflag.Bool("advertise", true, "advertise the gateway over mDNS")
	flapEvery := pflag.Duration("flap-every", 0, "drop all client connections at this interval")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var opts []mqttbroker.Option
	if *username != "" {
		opts = append(opts, mqttbroker.WithCredentials(*username, *password))
	}
	broker := mqttbroker.New(logger, opts...)
	errCh, err := broker.Start(*listen)
	if err != nil {
		logger.Error("failed to start broker", "error", err)
		os.Exit(1)
	}
	defer func() { _ = broker.Stop() }()

	gatewayID := gateway.NodeID(*gatewayNum)

	if *advertise {
		_, portStr, _ := net.SplitHostPort(broker.Addr().String())
		port, _ := strconv.Atoi(portStr)
		adv, err := discovery.Advertise("", port, gatewayID, logger)
		if err != nil {
			logger.Warn("mDNS advertisement unavailable", "error", err)
		} else {
			defer adv.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sim := make([]*simNode, *nodes)
	for i := range sim {
		sim[i] = &simNode{
			num:       0x10000000 + uint32(i+1),
			longName:  fmt.Sprintf("Sim Node %d", i+1),
			shortName: fmt.Sprintf("S%02d", i+1),
			lat:       52.52 + rng.Float64()*0.05,
			lon:       13.40 + rng.Float64()*0.05,
			battery:   60 + rng.Intn(41),
		}
	}

	topic := gateway.Topic(*region, *channel, gatewayID)
	publish := func(kind string, n *simNode, to uint32, payload any) {
		pkt, err := gateway.NewPacket(kind, n.num, to, gatewayID, time.Now(), payload)
		if err != nil {
			logger.Error("failed to build packet", "error", err)
			return
		}
		data, err := json.Marshal(pkt)
		if err != nil {
			logger.Error("failed to encode packet", "error", err)
			return
		}
		delivered, err := broker.Publish(topic, data)
		if err != nil {
			logger.Error("publish failed", "error", err)
			return
		}
		logger.Debug("published", "type", kind, "from", gateway.NodeID(n.num), "subscribers", delivered)
	}

	announce := func() {
		for _, n := range sim {
			publish("nodeinfo", n, 0xffffffff, map[string]any{
				"id":        gateway.NodeID(n.num),
				"longname":  n.longName,
				"shortname": n.shortName,
				"hardware":  rng.Intn(12),
			})
		}
	}

	step := func() {
		n := sim[rng.Intn(len(sim))]
		switch rng.Intn(3) {
		case 0:
			n.lat += (rng.Float64() - 0.5) * 0.001
			n.lon += (rng.Float64() - 0.5) * 0.001
			publish("position", n, 0xffffffff, map[string]any{
				"latitude_i":  int64(n.lat * 1e7),
				"longitude_i": int64(n.lon * 1e7),
				"altitude":    30 + rng.Intn(20),
			})
		case 1:
			n.uptime += int64(interval.Seconds())
			if rng.Intn(4) == 0 && n.battery > 0 {
				n.battery--
			}
			publish("telemetry", n, 0xffffffff, map[string]any{
				"battery_level":       n.battery,
				"voltage":             3.3 + float64(n.battery)/100,
				"channel_utilization": rng.Float64() * 20,
				"air_util_tx":         rng.Float64() * 5,
				"uptime_seconds":      n.uptime,
			})
		default:
			publish("text", n, 0xffffffff, map[string]any{"text": fmt.Sprintf("hello from %s", n.shortName)})
		}
	}

	logger.Info("gateway simulator running", "addr", broker.Addr().String(), "gateway", gatewayID, "topic", topic)
	announce()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var flap <-chan time.Time
	if *flapEvery > 0 {
		t := time.NewTicker(*flapEvery)
		defer t.Stop()
		flap = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			return
		case err, ok := <-errCh:
			if ok && err != nil {
				logger.Error("broker failed", "error", err)
				return
			}
			errCh = nil
		case <-flap:
			logger.Info("dropping clients", "count", broker.DropClients())
		case <-ticker.C:
			if broker.ClientCount() > 0 && rng.Intn(10) == 0 {
				announce()
			}
			step()
		}
	}
}
