package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"meshmonitor/go-collector/internal/central"
	"meshmonitor/go-collector/internal/config"
	"meshmonitor/go-collector/internal/discovery"
	"meshmonitor/go-collector/internal/gateway"
	"meshmonitor/go-collector/internal/ingest"
	"meshmonitor/go-collector/internal/metrics"
	"meshmonitor/go-collector/internal/model"
	"meshmonitor/go-collector/internal/store"
	"meshmonitor/go-collector/internal/syncagent"
)

// App wires together the collector services and manages their lifecycle.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	metrics *metrics.Metrics
	manager *gateway.Manager
	router  *ingest.Router
	agent   *syncagent.Agent

	// dialer is replaced in tests.
	dialer gateway.Dialer
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or a service fails. Only store and listener setup failures are
// fatal; gateway and sync failures are retried internally.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	a.build()

	endpoints, err := a.cfg.Endpoints()
	if err != nil {
		return config.ConfigError.Wrap(err)
	}
	for _, ep := range endpoints {
		a.manager.Add(ep)
	}
	if len(endpoints) == 0 && !a.cfg.Discovery {
		a.logger.Warn("no gateways configured; add them with --gateway or POST /api/gateways")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.manager.Run(gctx)
	})
	g.Go(func() error {
		return a.router.Run(gctx, a.manager.Events())
	})
	if a.agent != nil {
		g.Go(func() error {
			return a.agent.Run(gctx)
		})
	}
	if a.cfg.Discovery {
		g.Go(func() error {
			if err := discovery.Browse(gctx, func(ep model.Endpoint) { a.manager.Add(ep) }, a.logger); err != nil {
				a.logger.Warn("gateway discovery unavailable", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("http server started", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	})

	return g.Wait()
}

func (a *App) build() {
	a.metrics = metrics.New()

	if a.dialer == nil {
		a.dialer = gateway.NewMQTTDialer(gateway.MQTTConfig{
			Topics:   a.cfg.MQTT.Topics,
			Username: a.cfg.MQTT.Username,
			Password: a.cfg.MQTT.Password,
			OnDrop:   a.metrics.ObserveDrop,
		}, a.logger)
	}

	a.manager = gateway.NewManager(a.dialer, a.store, gateway.ManagerConfig{
		Backoff:   gateway.BackoffConfig{Initial: a.cfg.Backoff.Initial, Max: a.cfg.Backoff.Max},
		Heartbeat: a.cfg.Heartbeat,
	}, a.logger)
	a.manager.SetObserver(a.metrics.ObserveTransition)

	a.router = ingest.New(a.store, ingest.Config{}, a.logger)
	a.router.OnResult(a.metrics.ObserveEvent)

	if a.cfg.Sync.Enabled {
		client := central.NewClient(a.cfg.Sync.URL, a.cfg.Sync.APIKey, &http.Client{Timeout: a.cfg.Sync.Timeout})
		a.agent = syncagent.New(a.store, client, syncagent.Config{
			CollectorID: a.cfg.Collector.ID,
			Name:        a.cfg.Collector.Name,
			Location:    a.cfg.Collector.Location,
			Interval:    a.cfg.Sync.Interval,
			BatchSize:   a.cfg.Sync.BatchSize,
			Timeout:     a.cfg.Sync.Timeout,
		}, a.logger)
		a.agent.OnReport(a.metrics.ObserveSync)
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/api/gateways", a.handleGateways)
	mux.HandleFunc("/api/sync", a.handleSyncStatus)
	mux.HandleFunc("/api/stats", a.handleStats)
	mux.HandleFunc("/api/nodes", a.handleNodes)
	mux.HandleFunc("/api/messages", a.handleMessages)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.store == nil || a.store.Ping(ctx) != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleGateways(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.serveGateways(w, r)
	case http.MethodPost, http.MethodDelete:
		a.updateGateways(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) serveGateways(w http.ResponseWriter, r *http.Request) {
	response := struct {
		Gateways []gateway.GatewayStatus `json:"gateways"`
	}{Gateways: a.manager.Snapshot()}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode gateways response", "error", err)
	}
}

func (a *App) updateGateways(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ep, err := model.ParseEndpoint(req.Endpoint, model.DefaultGatewayPort)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var changed bool
	if r.Method == http.MethodPost {
		changed = a.manager.Add(ep)
	} else {
		changed = a.manager.Remove(ep)
	}
	a.logger.Info("gateway list updated", "method", r.Method, "endpoint", ep.String(), "changed", changed)

	resp := struct {
		Endpoint string `json:"endpoint"`
		Changed  bool   `json:"changed"`
	}{Endpoint: ep.String(), Changed: changed}

	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodPost && changed {
		w.WriteHeader(http.StatusAccepted)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("failed to encode gateway update response", "error", err)
	}
}

func (a *App) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := struct {
		Enabled bool              `json:"enabled"`
		Status  *syncagent.Status `json:"status,omitempty"`
		Pending map[string]int64  `json:"pending,omitempty"`
	}{Enabled: a.agent != nil}

	if a.agent != nil {
		st, err := a.agent.Status(ctx)
		if err != nil {
			a.logger.Warn("failed to load sync backlog", "error", err)
		}
		response.Status = &st
	} else {
		pending, err := a.store.UnsyncedCounts(ctx)
		if err != nil {
			a.logger.Error("failed to load sync backlog", "error", err)
			http.Error(w, "failed to load sync status", http.StatusInternalServerError)
			return
		}
		response.Pending = pending
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode sync response", "error", err)
	}
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats, err := a.store.Stats(ctx)
	if err != nil {
		a.logger.Error("failed to load stats", "error", err)
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		a.logger.Error("failed to encode stats response", "error", err)
	}
}

func (a *App) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	nodes, err := a.store.Nodes(ctx, queryLimit(r, 100, 1000))
	if err != nil {
		a.logger.Error("failed to load nodes", "error", err)
		http.Error(w, "failed to load nodes", http.StatusInternalServerError)
		return
	}

	response := struct {
		Nodes []model.Node `json:"nodes"`
	}{Nodes: nodes}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode nodes response", "error", err)
	}
}

func (a *App) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	messages, err := a.store.Messages(ctx, queryLimit(r, 50, 500))
	if err != nil {
		a.logger.Error("failed to load messages", "error", err)
		http.Error(w, "failed to load messages", http.StatusInternalServerError)
		return
	}

	response := struct {
		Messages []model.Message `json:"messages"`
	}{Messages: messages}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode messages response", "error", err)
	}
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= max {
				limit = parsed
			}
		}
	}
	return limit
}
