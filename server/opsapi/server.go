// Package opsapi serves Prometheus metrics and component health over HTTP.
package opsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/server"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

type Server struct {
	addr         string
	metricsPath  string
	allowedHosts []*net.IPNet
	checkTimeout time.Duration
	server       *http.Server

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

type ServerOptions struct {
	Addr         string
	MetricsPath  string
	AllowedHosts []string
	CheckTimeout time.Duration
}

func New(options ServerOptions) (*Server, error) {
	hosts, err := server.ParseTrustedNetworks(options.AllowedHosts)
	if err != nil {
		return nil, fmt.Errorf("ops API allowed hosts: %w", err)
	}
	s := &Server{
		addr:         options.Addr,
		metricsPath:  options.MetricsPath,
		allowedHosts: hosts,
		checkTimeout: options.CheckTimeout,
		checks:       make(map[string]CheckFunc),
	}
	if s.metricsPath == "" {
		s.metricsPath = "/metrics"
	}
	if s.checkTimeout <= 0 {
		s.checkTimeout = 5 * time.Second
	}
	return s, nil
}

// AddCheck registers a named health check, replacing any with the same name.
func (s *Server) AddCheck(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, errChan chan error) {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("OpsAPI: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("OpsAPI: error shutting down", "error", err)
		}
	}()

	logger.Info("OpsAPI: listening", "addr", s.addr, "metrics_path", s.metricsPath)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("ops API server failed: %w", err)
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle(s.metricsPath, promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/health/live", s.handleLive).Methods("GET")
	router.HandleFunc("/health/{component}", s.handleComponent).Methods("GET")
	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("OpsAPI: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip != nil && server.IsTrusted(ip, s.allowedHosts) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

// ComponentStatus is one entry of the health report.
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

type HealthReport struct {
	Healthy    bool              `json:"healthy"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentStatus `json:"components"`
}

func (s *Server) run(ctx context.Context, name string, check CheckFunc) ComponentStatus {
	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	st := ComponentStatus{Name: name, Healthy: err == nil, Latency: time.Since(start).String()}
	if err != nil {
		st.Error = err.Error()
		logger.Warn("OpsAPI: health check failed", "component", name, "error", err)
	}
	return st
}

// Check runs every registered check concurrently.
func (s *Server) Check(ctx context.Context) HealthReport {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	report := HealthReport{Healthy: true, CheckedAt: time.Now().UTC(), Components: make([]ComponentStatus, len(names))}
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			report.Components[i] = s.run(ctx, name, checks[name])
		}(i, name)
	}
	wg.Wait()

	for _, c := range report.Components {
		if !c.Healthy {
			report.Healthy = false
		}
	}
	return report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["component"]
	s.mu.RLock()
	check, ok := s.checks[name]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown component %q", name))
		return
	}

	st := s.run(r.Context(), name, check)
	status := http.StatusOK
	if !st.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("OpsAPI: error encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
