// internal/monitoring/server.go
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// StatsFunc supplies one component's stats snapshot for /stats.
type StatsFunc func() interface{}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server serves /healthz, /readyz, /stats, and /metrics.
type Server struct {
	addr    string
	metrics *MetricsManager
	logger  utils.Logger
	httpSrv *http.Server

	mu      sync.RWMutex
	stats   map[string]StatsFunc
	checks  map[string]HealthCheck
	started time.Time
}

// NewServer builds the monitoring HTTP server around a metrics manager.
func NewServer(addr string, metrics *MetricsManager) *Server {
	s := &Server{
		addr:    addr,
		metrics: metrics,
		logger:  utils.NewComponentLogger("monitoring"),
		stats:   make(map[string]StatsFunc),
		checks:  make(map[string]HealthCheck),
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// RegisterStats attaches a named stats source to /stats.
func (s *Server) RegisterStats(name string, fn StatsFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] = fn
}

// RegisterCheck attaches a named readiness check to /readyz.
func (s *Server) RegisterCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("monitoring listening on %s", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// handleHealthz is pure liveness: the process is up.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

// handleReadyz runs every registered check; any failure makes the
// worker not ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s.mu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	results := make(map[string]string, len(checks))
	healthy := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
		} else {
			results[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": results,
	})
}

// handleStats aggregates every registered component snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sources := make(map[string]StatsFunc, len(s.stats))
	for name, fn := range s.stats {
		sources[name] = fn
	}
	s.mu.RUnlock()

	payload := make(map[string]interface{}, len(sources)+1)
	payload["uptime"] = time.Since(s.started).String()
	for name, fn := range sources {
		payload[name] = fn()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
