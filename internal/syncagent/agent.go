package syncagent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"meshmonitor/go-collector/internal/model"
)

// SyncError is the class of failed sync passes. A failed pass never moves a cursor.
var SyncError = errs.Class("sync")

const (
	defaultInterval  = 5 * time.Minute
	defaultBatchSize = 1000
	defaultTimeout   = 30 * time.Second

	// maxCatchUp bounds how many full batches are pushed back to back in one tick.
	maxCatchUp = 10
)

// LocalStore is the read and cursor surface of the collector store.
type LocalStore interface {
	SyncCursors(ctx context.Context) (model.Cursors, error)
	UnsyncedSince(ctx context.Context, cursors model.Cursors, limit int) (model.Batch, error)
	AdvanceCursor(ctx context.Context, table string, seq int64) error
	UnsyncedCounts(ctx context.Context) (map[string]int64, error)
}

// Transport delivers a batch to the central store and returns its acknowledgement.
type Transport interface {
	Push(ctx context.Context, req model.SyncRequest) (model.SyncResponse, error)
}

// Config identifies the collector and tunes the sync loop.
type Config struct {
	CollectorID string
	Name        string
	Location    string
	Interval    time.Duration
	BatchSize   int
	Timeout     time.Duration
}

// Status is the agent's view of sync health.
type Status struct {
	CollectorID         string            `json:"collector_id"`
	LastAttempt         time.Time         `json:"last_attempt,omitempty"`
	LastSuccess         time.Time         `json:"last_success,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastReport          *model.SyncReport `json:"last_report,omitempty"`
	Pending             map[string]int64  `json:"pending,omitempty"`
}

// Agent pushes unsynced local records to the central store.
type Agent struct {
	local     LocalStore
	transport Transport
	cfg       Config
	logger    *slog.Logger
	nowFn     func() time.Time
	newID     func() string
	onReport  func(model.SyncReport, error)

	mu     sync.Mutex
	status Status
}

// New constructs an agent.
func New(local LocalStore, transport Transport, cfg Config, logger *slog.Logger) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		local:     local,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "sync", "collector_id", cfg.CollectorID),
		nowFn:     time.Now,
		newID:     uuid.NewString,
		status:    Status{CollectorID: cfg.CollectorID},
	}
}

// OnReport registers a hook called after every pass with its report or error.
func (a *Agent) OnReport(fn func(model.SyncReport, error)) {
	a.onReport = fn
}

// Run syncs immediately and then on every interval until ctx is cancelled.
// Failed passes are logged and retried on the next tick.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("sync agent started", "interval", a.cfg.Interval, "batch_size", a.cfg.BatchSize)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		a.tick(ctx)

		select {
		case <-ctx.Done():
			a.logger.Info("sync agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	for i := 0; i < maxCatchUp && ctx.Err() == nil; i++ {
		report, err := a.SyncOnce(ctx)
		if err != nil {
			a.logger.Warn("sync failed", "error", err)
			return
		}
		if report.Partial || !a.fullBatch(report) {
			return
		}
	}
}

func (a *Agent) fullBatch(report model.SyncReport) bool {
	for _, n := range report.Sent {
		if n >= a.cfg.BatchSize {
			return true
		}
	}
	return false
}

// SyncOnce performs one read-push-acknowledge pass. Per table, the cursor is
// advanced past exactly the acknowledged prefix of the records sent. An empty
// batch is still pushed so the central store sees a collector heartbeat.
func (a *Agent) SyncOnce(ctx context.Context) (model.SyncReport, error) {
	start := a.nowFn()
	a.mu.Lock()
	a.status.LastAttempt = start
	a.mu.Unlock()

	report, err := a.syncOnce(ctx)
	report.Duration = a.nowFn().Sub(start)

	a.mu.Lock()
	if err != nil {
		a.status.LastError = err.Error()
		a.status.ConsecutiveFailures++
	} else {
		a.status.LastError = ""
		a.status.ConsecutiveFailures = 0
		a.status.LastSuccess = a.nowFn()
		r := report
		a.status.LastReport = &r
	}
	a.mu.Unlock()

	if a.onReport != nil {
		a.onReport(report, err)
	}
	return report, err
}

func (a *Agent) syncOnce(ctx context.Context) (model.SyncReport, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	cursors, err := a.local.SyncCursors(ctx)
	if err != nil {
		return model.SyncReport{}, SyncError.Wrap(err)
	}

	batch, err := a.local.UnsyncedSince(ctx, cursors, a.cfg.BatchSize)
	if err != nil {
		return model.SyncReport{}, SyncError.Wrap(err)
	}

	req := model.SyncRequest{
		CollectorID:     a.cfg.CollectorID,
		CollectorName:   a.cfg.Name,
		Location:        a.cfg.Location,
		BatchID:         a.newID(),
		Data:            batch,
		LocalTimestamps: batch.Timespan(),
	}
	report := model.SyncReport{
		BatchID:  req.BatchID,
		Sent:     batch.Counts(),
		Accepted: make(map[string]int, len(model.SyncTables)),
		Cursors:  make(model.Cursors, len(cursors)),
	}
	for table, c := range cursors {
		report.Cursors[table] = c
	}

	resp, err := a.transport.Push(ctx, req)
	if err != nil {
		return report, SyncError.Wrap(err)
	}
	if resp.BatchID != "" && resp.BatchID != req.BatchID {
		return report, SyncError.New("acknowledgement for batch %q, sent %q", resp.BatchID, req.BatchID)
	}

	for _, table := range model.SyncTables {
		sent := report.Sent[table]
		accepted := resp.RecordsReceived[table]
		if accepted < 0 {
			accepted = 0
		}
		if accepted > sent {
			accepted = sent
		}
		report.Accepted[table] = accepted
		if accepted < sent {
			report.Partial = true
		}
		if accepted == 0 {
			continue
		}

		seq := batch.SeqAt(table, accepted)
		if err := a.local.AdvanceCursor(ctx, table, seq); err != nil {
			return report, SyncError.Wrap(err)
		}
		report.Cursors[table] = seq
	}

	level := slog.LevelInfo
	if report.TotalSent() == 0 {
		level = slog.LevelDebug
	}
	a.logger.Log(ctx, level, "sync pass complete",
		"batch_id", report.BatchID,
		"sent", report.TotalSent(),
		"accepted", report.TotalAccepted(),
		"partial", report.Partial,
	)
	for table, msg := range resp.Errors {
		a.logger.Warn("central rejected records", "table", table, "error", msg)
	}

	return report, nil
}

// Status returns the last sync outcome together with the current backlog.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	pending, err := a.local.UnsyncedCounts(ctx)

	a.mu.Lock()
	st := a.status
	a.mu.Unlock()

	st.Pending = pending
	if err != nil {
		return st, SyncError.Wrap(err)
	}
	return st, nil
}
