// Package health provides the HTTP health, status and admin endpoints of
// the relay.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/metroo-turn/internal/drain"
	"github.com/postalsys/metroo-turn/internal/federation"
	"github.com/postalsys/metroo-turn/internal/sysinfo"
	"github.com/postalsys/metroo-turn/internal/turn"
)

// ErrFederationDisabled is returned by providers when federation is off.
var ErrFederationDisabled = errors.New("federation disabled")

// StatusProvider exposes relay state. Status and Federation read state
// owned by the event loop and may block until it answers.
type StatusProvider interface {
	// IsRunning returns true if the relay is serving clients.
	IsRunning() bool

	// Status returns counters and the allocation dump.
	Status(ctx context.Context) (turn.Status, error)

	// Federation returns the federation connection and link tables.
	Federation(ctx context.Context) (FederationStatus, error)
}

// DrainController toggles drain mode.
type DrainController interface {
	Enable() bool
	Disable() bool
	State() drain.State
}

// FederationStatus is the /federation response.
type FederationStatus struct {
	Address     string                      `json:"address"`
	Connections []federation.ConnectionInfo `json:"connections"`
	Links       []federation.LinkInfo       `json:"links,omitempty"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// Pprof mounts /debug/pprof/ handlers.
	Pprof bool

	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer

	// CallTimeout bounds status queries against the event loop.
	CallTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		CallTimeout:  2 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatusProvider
	drain    DrainController
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server. gate may be nil.
func NewServer(cfg ServerConfig, provider StatusProvider, gate DrainController) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultServerConfig().CallTimeout
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		drain:    gate,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/federation", s.handleFederation)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/drain", s.handleDrain)

	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) draining() bool {
	return s.drain != nil && s.drain.State().Draining
}

// handleHealth handles the basic health check endpoint.
// Returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz handles the detailed health check endpoint.
// Returns 200 with JSON stats if healthy, 503 if not running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout)
	defer cancel()
	st, err := s.provider.Status(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": true,
			"error":   err.Error(),
		})
		return
	}

	status := "healthy"
	if s.draining() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              status,
		"running":             true,
		"allocations":         st.Stats.AllocationsCurrent,
		"allocations_total":   st.Stats.AllocationsTotal,
		"reservations":        st.Stats.Reservations,
		"uptime_seconds":      int64(st.Stats.Uptime / time.Second),
		"bytes_to_peers":      st.Stats.BytesTx,
		"bytes_to_clients":    st.Stats.BytesRx,
		"successful_requests": st.Stats.Successes,
	})
}

// handleReady reports whether the relay accepts new allocations. A
// draining relay is alive but not ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	switch {
	case s.provider == nil || !s.provider.IsRunning():
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
	case s.draining():
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("DRAINING\n"))
	default:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY\n"))
	}
}

// handleStatus dumps counters and every allocation.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout)
	defer cancel()
	st, err := s.provider.Status(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if st.Allocations == nil {
		st.Allocations = []turn.AllocationInfo{}
	}
	writeJSON(w, http.StatusOK, st)
}

// handleFederation dumps the federation connection table.
func (s *Server) handleFederation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout)
	defer cancel()
	fs, err := s.provider.Federation(ctx)
	switch {
	case errors.Is(err, ErrFederationDisabled):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if fs.Connections == nil {
		fs.Connections = []federation.ConnectionInfo{}
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, sysinfo.Collect())
}

// handleDrain reports drain mode on GET, enables it on POST and disables
// it on DELETE.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.drain == nil {
		http.Error(w, "drain mode not available", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		s.drain.Enable()
	case http.MethodDelete:
		s.drain.Disable()
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.drain.State())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
