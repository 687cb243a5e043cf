// Package metrics exposes collector health as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meshmonitor/go-collector/internal/gateway"
	"meshmonitor/go-collector/internal/ingest"
	"meshmonitor/go-collector/internal/model"
)

const namespace = "meshmon"

// Metrics holds the collector's metric families on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	gatewayState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	events       *prometheus.CounterVec
	drops        *prometheus.CounterVec
	syncRecords  *prometheus.CounterVec
	syncFailures prometheus.Counter
	syncLastOK   prometheus.Gauge
	syncDuration prometheus.Histogram
	syncPartials prometheus.Counter
}

// New creates and registers all metric families, plus Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gatewayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "state",
			Help:      "1 for the current connection state of each gateway endpoint.",
		}, []string{"endpoint", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"endpoint", "to"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "reconnect_attempts_total",
			Help:      "Dial attempts made after a failure or lost connection.",
		}, []string{"endpoint"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Events handled by the ingestion router by kind and outcome.",
		}, []string{"kind", "outcome"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "dropped_packets_total",
			Help:      "Packets from a gateway that could not be decoded into events.",
		}, []string{"endpoint", "reason"}),
		syncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Records pushed to the central store by table and result.",
		}, []string{"table", "result"}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Sync passes that failed without acknowledgement.",
		}),
		syncPartials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "partial_total",
			Help:      "Sync passes where the central store accepted only part of the batch.",
		}),
		syncLastOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sync pass.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of sync passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	m.registry.MustRegister(
		m.gatewayState, m.transitions, m.reconnects,
		m.events, m.drops,
		m.syncRecords, m.syncFailures, m.syncPartials, m.syncLastOK, m.syncDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var states = []gateway.State{
	gateway.StateDisconnected,
	gateway.StateConnecting,
	gateway.StateConnected,
	gateway.StateBackoff,
	gateway.StateStopped,
}

// ObserveTransition is a gateway.Observer.
func (m *Metrics) ObserveTransition(t gateway.Transition) {
	for _, s := range states {
		v := 0.0
		if s == t.To {
			v = 1
		}
		m.gatewayState.WithLabelValues(t.Endpoint, s.String()).Set(v)
	}
	m.transitions.WithLabelValues(t.Endpoint, t.To.String()).Inc()
	if t.To == gateway.StateConnecting && t.Attempt > 0 {
		m.reconnects.WithLabelValues(t.Endpoint).Inc()
	}
}

// ObserveEvent counts a router outcome.
func (m *Metrics) ObserveEvent(kind model.EventKind, outcome ingest.Outcome) {
	m.events.WithLabelValues(kind.String(), string(outcome)).Inc()
}

// ObserveDrop counts an undecodable packet.
func (m *Metrics) ObserveDrop(endpoint string, err error) {
	reason := "malformed"
	if errors.Is(err, gateway.ErrUnsupportedPacket) {
		reason = "unsupported"
	}
	m.drops.WithLabelValues(endpoint, reason).Inc()
}

// ObserveSync records the outcome of a sync pass.
func (m *Metrics) ObserveSync(r model.SyncReport, err error) {
	m.syncDuration.Observe(r.Duration.Seconds())
	if err != nil {
		m.syncFailures.Inc()
		return
	}
	for table, sent := range r.Sent {
		accepted := r.Accepted[table]
		m.syncRecords.WithLabelValues(table, "accepted").Add(float64(accepted))
		if sent > accepted {
			m.syncRecords.WithLabelValues(table, "rejected").Add(float64(sent - accepted))
		}
	}
	if r.Partial {
		m.syncPartials.Inc()
	}
	m.syncLastOK.SetToCurrentTime()
}
