package model

import (
	"time"
)

// Table names shared by the local and central schemas.
const (
	TableGateways  = "gateways"
	TableNodes     = "nodes"
	TablePositions = "positions"
	TableMetrics   = "device_metrics"
	TableMessages  = "messages"
)

// SyncTables lists the synced tables in merge order.
var SyncTables = []string{TableGateways, TableNodes, TablePositions, TableMetrics, TableMessages}

// Cursors maps a table name to the last acknowledged sync sequence.
type Cursors map[string]int64

// Batch holds unsynced records per table, each ordered by Seq.
type Batch struct {
	Gateways  []Gateway      `json:"gateways,omitempty"`
	Nodes     []Node         `json:"nodes,omitempty"`
	Positions []Position     `json:"positions,omitempty"`
	Metrics   []DeviceMetric `json:"device_metrics,omitempty"`
	Messages  []Message      `json:"messages,omitempty"`
}

// Counts returns the number of records per table.
func (b Batch) Counts() map[string]int {
	return map[string]int{
		TableGateways:  len(b.Gateways),
		TableNodes:     len(b.Nodes),
		TablePositions: len(b.Positions),
		TableMetrics:   len(b.Metrics),
		TableMessages:  len(b.Messages),
	}
}

// Len returns the total number of records.
func (b Batch) Len() int {
	return len(b.Gateways) + len(b.Nodes) + len(b.Positions) + len(b.Metrics) + len(b.Messages)
}

// SeqAt returns the sync sequence of the n-th (1-based) record of table, or 0.
func (b Batch) SeqAt(table string, n int) int64 {
	if n <= 0 {
		return 0
	}
	idx := n - 1
	switch table {
	case TableGateways:
		if idx < len(b.Gateways) {
			return b.Gateways[idx].Seq
		}
	case TableNodes:
		if idx < len(b.Nodes) {
			return b.Nodes[idx].Seq
		}
	case TablePositions:
		if idx < len(b.Positions) {
			return b.Positions[idx].Seq
		}
	case TableMetrics:
		if idx < len(b.Metrics) {
			return b.Metrics[idx].Seq
		}
	case TableMessages:
		if idx < len(b.Messages) {
			return b.Messages[idx].Seq
		}
	}
	return 0
}

// Timespan returns the oldest and newest record time in the batch.
func (b Batch) Timespan() TimeRange {
	var r TimeRange
	observe := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if r.Oldest == nil || t.Before(*r.Oldest) {
			tt := t
			r.Oldest = &tt
		}
		if r.Newest == nil || t.After(*r.Newest) {
			tt := t
			r.Newest = &tt
		}
	}

	for _, g := range b.Gateways {
		observe(g.LastSeen)
	}
	for _, n := range b.Nodes {
		observe(n.LastSeen)
	}
	for _, p := range b.Positions {
		observe(p.Timestamp)
	}
	for _, m := range b.Metrics {
		observe(m.Timestamp)
	}
	for _, m := range b.Messages {
		observe(m.Timestamp)
	}
	return r
}

// TimeRange bounds the record times carried in a sync request.
type TimeRange struct {
	Oldest *time.Time `json:"oldest"`
	Newest *time.Time `json:"newest"`
}

// SyncRequest is the payload a collector pushes to the central store.
type SyncRequest struct {
	CollectorID     string    `json:"collector_id"`
	CollectorName   string    `json:"collector_name,omitempty"`
	Location        string    `json:"location,omitempty"`
	BatchID         string    `json:"batch_id"`
	Data            Batch     `json:"data"`
	LocalTimestamps TimeRange `json:"local_timestamps"`
}

// SyncResponse acknowledges a sync request. RecordsReceived holds, per table,
// how many leading records of the request were durably merged.
type SyncResponse struct {
	Status          string            `json:"status"`
	BatchID         string            `json:"batch_id"`
	RecordsReceived map[string]int    `json:"records_received"`
	Errors          map[string]string `json:"errors,omitempty"`
	ServerTime      time.Time         `json:"server_time"`
}

// SyncReport summarises one sync pass.
type SyncReport struct {
	BatchID  string         `json:"batch_id"`
	Sent     map[string]int `json:"sent"`
	Accepted map[string]int `json:"accepted"`
	Cursors  Cursors        `json:"cursors"`
	Partial  bool           `json:"partial"`
	Duration time.Duration  `json:"duration"`
}

// TotalSent returns the number of records transmitted.
func (r SyncReport) TotalSent() int {
	total := 0
	for _, n := range r.Sent {
		total += n
	}
	return total
}

// TotalAccepted returns the number of records acknowledged.
func (r SyncReport) TotalAccepted() int {
	total := 0
	for _, n := range r.Accepted {
		total += n
	}
	return total
}
