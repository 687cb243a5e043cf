package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"meshmonitor/go-collector/internal/model"
)

const (
	defaultHeartbeat     = 60 * time.Second
	defaultBufferSize    = 256
	gatewayRecordTimeout = 2 * time.Second
)

// GatewayRecorder persists gateway rows. It is satisfied by the local store.
type GatewayRecorder interface {
	UpsertGateway(ctx context.Context, g model.Gateway) (int64, error)
}

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	Backoff BackoffConfig
	// Heartbeat is the minimum interval between gateway last_seen refreshes.
	Heartbeat time.Duration
	// BufferSize is the per-connection event buffer.
	BufferSize int
}

// GatewayStatus is the diagnostic view of one tracked gateway.
type GatewayStatus struct {
	Endpoint    string    `json:"endpoint"`
	State       State     `json:"state"`
	Active      bool      `json:"active"`
	Attempt     int       `json:"attempt"`
	NextRetry   time.Time `json:"next_retry,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	GatewayID   int64     `json:"gateway_id,omitempty"`
	GatewayNode string    `json:"gateway_node,omitempty"`
	LastEvent   time.Time `json:"last_event,omitempty"`
	Since       time.Time `json:"since"`
}

type entry struct {
	endpoint model.Endpoint
	conn     *Connection
	cancel   context.CancelFunc
	done     chan struct{}

	// guarded by Manager.mu
	gatewayID     int64
	gatewayNode   string
	active        bool
	lastEvent     time.Time
	lastHeartbeat time.Time
}

// Manager owns the set of gateway connections. It fans their events into a
// single feed, preserving per-gateway order, and is the only holder of
// gateway liveness state.
type Manager struct {
	dialer   Dialer
	recorder GatewayRecorder
	logger   *slog.Logger
	cfg      ManagerConfig
	observer Observer
	nowFn    func() time.Time

	feed chan model.Event
	wg   sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	runCtx  context.Context
	running bool
	stopped bool
}

// NewManager constructs a manager. recorder may be nil, in which case
// gateway rows are not persisted.
func NewManager(dialer Dialer, recorder GatewayRecorder, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Manager{
		dialer:   dialer,
		recorder: recorder,
		logger:   logger.With("component", "gateway-manager"),
		cfg:      cfg,
		nowFn:    time.Now,
		feed:     make(chan model.Event, cfg.BufferSize),
		entries:  make(map[string]*entry),
	}
}

// SetObserver registers an observer that receives every connection
// transition. It must be called before Run.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// Events returns the aggregated feed. It is closed when Run returns.
func (m *Manager) Events() <-chan model.Event {
	return m.feed
}

// Add starts tracking ep. It reports false if ep is already tracked or the
// manager has shut down.
func (m *Manager) Add(ep model.Endpoint) bool {
	key := ep.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	if _, ok := m.entries[key]; ok {
		return false
	}

	e := &entry{endpoint: ep}
	e.conn = NewConnection(ep, m.dialer,
		WithBackoff(m.cfg.Backoff),
		WithObserver(m.observe),
		WithLogger(m.logger),
	)
	m.entries[key] = e

	if m.running {
		m.startLocked(e)
	}
	m.logger.Info("gateway added", "endpoint", key)
	return true
}

// Remove stops and forgets ep, waiting for its connection to finish.
func (m *Manager) Remove(ep model.Endpoint) bool {
	key := ep.String()

	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	m.logger.Info("gateway removed", "endpoint", key)
	return true
}

// Run starts every tracked connection and blocks until ctx is cancelled.
// It then waits for all connections to stop and closes the feed.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return errors.New("gateway manager already started")
	}
	m.runCtx = ctx
	m.running = true
	for _, e := range m.entries {
		m.startLocked(e)
	}
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.stopped = true
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	close(m.feed)
	m.logger.Info("gateway manager stopped")
	return nil
}

// Status maps every tracked endpoint to its connection state.
func (m *Manager) Status() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.entries))
	for key, e := range m.entries {
		out[key] = e.conn.Status().State
	}
	return out
}

// Snapshot returns detailed diagnostics for every tracked gateway, ordered by endpoint.
func (m *Manager) Snapshot() []GatewayStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]GatewayStatus, 0, len(m.entries))
	for key, e := range m.entries {
		st := e.conn.Status()
		out = append(out, GatewayStatus{
			Endpoint:    key,
			State:       st.State,
			Active:      e.active,
			Attempt:     st.Attempt,
			NextRetry:   st.NextRetry,
			LastError:   st.LastError,
			GatewayID:   e.gatewayID,
			GatewayNode: e.gatewayNode,
			LastEvent:   e.lastEvent,
			Since:       st.Since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (m *Manager) startLocked(e *entry) {
	ctx, cancel := context.WithCancel(m.runCtx)
	e.cancel = cancel
	e.done = make(chan struct{})

	ch := make(chan model.Event, m.cfg.BufferSize)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		defer close(ch)
		e.conn.Run(ctx, ch)
	}()
	go func() {
		defer m.wg.Done()
		defer close(e.done)
		m.forward(ctx, e, ch)
	}()
}

// forward moves one connection's events into the shared feed. After ctx is
// cancelled it keeps draining ch so the connection goroutine never blocks.
func (m *Manager) forward(ctx context.Context, e *entry, ch <-chan model.Event) {
	for ev := range ch {
		if ctx.Err() != nil {
			continue
		}

		switch ev.Kind {
		case model.EventConnectionEstablished:
			m.recordGateway(ctx, e, ev.Time, "")
			m.mu.Lock()
			e.active = true
			m.mu.Unlock()
		case model.EventConnectionLost:
			m.mu.Lock()
			e.active = false
			m.mu.Unlock()
		default:
			if m.heartbeatDue(e, ev) {
				m.recordGateway(ctx, e, ev.Time, ev.GatewayNode)
			}
		}

		m.mu.Lock()
		ev.GatewayID = e.gatewayID
		if ev.GatewayNode == "" {
			ev.GatewayNode = e.gatewayNode
		}
		e.lastEvent = m.nowFn()
		m.mu.Unlock()

		select {
		case m.feed <- ev:
		case <-ctx.Done():
		}
	}
}

func (m *Manager) heartbeatDue(e *entry, ev model.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.GatewayNode != "" && ev.GatewayNode != e.gatewayNode {
		return true
	}
	return m.nowFn().Sub(e.lastHeartbeat) >= m.cfg.Heartbeat
}

// recordGateway upserts the gateway row synchronously so that every event
// forwarded afterwards carries a resolvable gateway id.
func (m *Manager) recordGateway(ctx context.Context, e *entry, seen time.Time, node string) {
	now := m.nowFn()
	if seen.IsZero() {
		seen = now
	}

	m.mu.Lock()
	if node != "" {
		e.gatewayNode = node
	}
	g := model.Gateway{
		Host:     e.endpoint.Host,
		Port:     e.endpoint.Port,
		NodeID:   e.gatewayNode,
		LastSeen: seen,
	}
	e.lastHeartbeat = now
	m.mu.Unlock()

	if m.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, gatewayRecordTimeout)
	defer cancel()

	id, err := m.recorder.UpsertGateway(ctx, g)
	if err != nil {
		m.logger.Warn("record gateway failed", "endpoint", e.endpoint.String(), "error", err)
		return
	}

	m.mu.Lock()
	e.gatewayID = id
	m.mu.Unlock()
}

func (m *Manager) observe(t Transition) {
	m.mu.Lock()
	o := m.observer
	m.mu.Unlock()
	if o != nil {
		o(t)
	}
}
