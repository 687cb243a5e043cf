package central

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"meshmonitor/go-collector/internal/model"
)

// MaxRequestBytes caps the size of a sync request body.
const MaxRequestBytes = 32 << 20

// Server exposes the central store over HTTP.
type Server struct {
	store   *Store
	keys    [][]byte
	logger  *slog.Logger
	timeout time.Duration
}

// NewServer constructs the HTTP front of the central store. With no API keys
// configured the /api/v1 endpoints are open; cmd/central only allows that
// with --insecure.
func NewServer(store *Store, apiKeys []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   store,
		logger:  logger.With("component", "central"),
		timeout: 60 * time.Second,
	}
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.keys = append(s.keys, []byte(k))
		}
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/api/v1/sync", s.requireKey(s.handleSync))
	mux.Handle("/api/v1/collectors", s.requireKey(s.handleCollectors))
	mux.Handle("/api/v1/stats", s.requireKey(s.handleStats))
	return mux
}

// requireKey rejects requests without a configured Bearer key.
func (s *Server) requireKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.SyncRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if req.CollectorID == "" || req.BatchID == "" {
		http.Error(w, "collector_id and batch_id required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	resp, err := s.store.Merge(ctx, req)
	if err != nil {
		s.logger.Error("merge failed", "collector_id", req.CollectorID, "batch_id", req.BatchID, "error", err)
		http.Error(w, "failed to merge batch", http.StatusInternalServerError)
		return
	}

	s.logger.Info("merged batch",
		"collector_id", req.CollectorID,
		"batch_id", req.BatchID,
		"status", resp.Status,
		"records", req.Data.Len(),
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode sync response", "error", err)
	}
}

func (s *Server) handleCollectors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	collectors, err := s.store.Collectors(ctx)
	if err != nil {
		s.logger.Error("failed to load collectors", "error", err)
		http.Error(w, "failed to load collectors", http.StatusInternalServerError)
		return
	}

	response := struct {
		Collectors []model.Collector `json:"collectors"`
	}{Collectors: collectors}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode collectors response", "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error("failed to load stats", "error", err)
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Error("failed to encode stats response", "error", err)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.keys) == 0 {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	presented := []byte(strings.TrimSpace(token))
	match := 0
	for _, k := range s.keys {
		match |= subtle.ConstantTimeCompare(presented, k)
	}
	return match == 1
}
