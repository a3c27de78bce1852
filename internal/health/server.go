// Package health provides HTTP endpoints for host connection checks and
// Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gitlab.bluewillows.net/root/drbdmc/pkg/sshutil"
)

// Health status values.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthChecker is a function that checks the health of a component.
// Returns an error if the component is unhealthy.
type HealthChecker func(ctx context.Context) error

// DegradedChecker reports whether a component works but is not fully
// healthy. Returns (true, message) if degraded, (false, "") if not.
type DegradedChecker func(ctx context.Context) (degraded bool, message string)

// HealthStatus represents the health status of a component.
type HealthStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// DegradedStatus represents a degraded component.
type DegradedStatus struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Response represents a health check response.
type Response struct {
	Status     string           `json:"status"`
	Components []HealthStatus   `json:"components,omitempty"`
	Degraded   []DegradedStatus `json:"degraded,omitempty"`
}

// ConnectionStatus is the part of a host connection the checks read.
type ConnectionStatus interface {
	Host() string
	State() sshutil.State
}

// ErrConnectionFailed is reported for a host whose last connect failed.
var ErrConnectionFailed = errors.New("connection failed")

// ConnectionChecker fails while the last connect of conn has failed.
func ConnectionChecker(conn ConnectionStatus) HealthChecker {
	return func(context.Context) error {
		if conn.State() == sshutil.StateFailed {
			return fmt.Errorf("%w: %s", ErrConnectionFailed, conn.Host())
		}
		return nil
	}
}

// ConnectionDegraded reports conn as degraded until it is authenticated.
// Hosts connect on their first command, so an idle host is not an error.
func ConnectionDegraded(conn ConnectionStatus) DegradedChecker {
	return func(context.Context) (bool, string) {
		state := conn.State()
		if state == sshutil.StateAuthenticated {
			return false, ""
		}
		return true, state.String()
	}
}

// component holds the checks registered under one name. Either may be nil.
type component struct {
	check    HealthChecker
	degraded DegradedChecker
}

// Server provides /health, /ready, and /metrics endpoints.
type Server struct {
	port    int
	mux     *http.ServeMux
	logger  *slog.Logger
	timeout time.Duration

	mu         sync.RWMutex
	components map[string]component
	server     *http.Server
	addr       net.Addr
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeout bounds one /ready evaluation.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.timeout = timeout
	}
}

// New creates a health server for port. Port 0 picks a free port on Start.
func New(port int, opts ...Option) *Server {
	s := &Server{
		port:       port,
		mux:        http.NewServeMux(),
		logger:     slog.Default(),
		timeout:    5 * time.Second,
		components: make(map[string]component),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// RegisterChecker sets the health check of a component.
func (s *Server) RegisterChecker(name string, checker HealthChecker) {
	s.update(name, func(c *component) { c.check = checker })
}

// RegisterDegradedChecker sets the degraded check of a component.
func (s *Server) RegisterDegradedChecker(name string, checker DegradedChecker) {
	s.update(name, func(c *component) { c.degraded = checker })
}

// RegisterConnection adds both connection checks for one host under
// "host:<name>".
func (s *Server) RegisterConnection(name string, conn ConnectionStatus) {
	s.update("host:"+name, func(c *component) {
		c.check = ConnectionChecker(conn)
		c.degraded = ConnectionDegraded(conn)
	})
}

func (s *Server) update(name string, fn func(*component)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.components[name]
	fn(&c)
	s.components[name] = c
	s.logger.Debug("registered health component", slog.String("name", name))
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Status: "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	resp := s.evaluate(ctx)

	code := http.StatusOK
	if resp.Status == StatusNotReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// evaluate runs every check in name order. A failed check makes the server
// not ready; otherwise any degraded component makes it degraded.
func (s *Server) evaluate(ctx context.Context) Response {
	s.mu.RLock()
	snapshot := make(map[string]component, len(s.components))
	for name, c := range s.components {
		snapshot[name] = c
	}
	s.mu.RUnlock()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	slices.Sort(names)

	resp := Response{Status: StatusReady}
	for _, name := range names {
		c := snapshot[name]

		if c.check != nil {
			status := HealthStatus{Name: name, Healthy: true}
			if err := c.check(ctx); err != nil {
				status.Healthy = false
				status.Error = err.Error()
				resp.Status = StatusNotReady
				s.logger.Warn("health check failed",
					slog.String("component", name),
					slog.String("error", err.Error()),
				)
			}
			resp.Components = append(resp.Components, status)
		}

		if c.degraded != nil {
			if degraded, message := c.degraded(ctx); degraded {
				resp.Degraded = append(resp.Degraded, DegradedStatus{Name: name, Message: message})
			}
		}
	}

	if resp.Status == StatusReady && len(resp.Degraded) > 0 {
		resp.Status = StatusDegraded
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// Start binds the port and serves in a goroutine. A bind failure is
// returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("binding health server: %w", err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.server = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("health server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Shutdown gracefully stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
