// Package server exposes the control plane's health and status endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/logging"
)

const checkTimeout = 3 * time.Second

// NewServer creates and configures an http.Server.
func NewServer(port string, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	logger.Info("HTTP server configured", zap.String("address", port))
	return srv
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Status serves the health and status endpoints from a set of named checks.
type Status struct {
	instanceID string
	started    time.Time
	logger     *zap.Logger

	mu     sync.RWMutex
	checks map[string]Check
	gauges map[string]func() int
}

func NewStatus(instanceID string, logger *zap.Logger) *Status {
	return &Status{
		instanceID: instanceID,
		started:    time.Now(),
		logger:     logger,
		checks:     make(map[string]Check),
		gauges:     make(map[string]func() int),
	}
}

// AddCheck registers a dependency check. A failing check makes /health return 503.
func (s *Status) AddCheck(name string, c Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = c
}

// AddGauge registers a number reported on /status.
func (s *Status) AddGauge(name string, g func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = g
}

type statusResponse struct {
	InstanceID string            `json:"instance_id"`
	Healthy    bool              `json:"healthy"`
	Uptime     string            `json:"uptime"`
	Checks     map[string]string `json:"checks"`
	Gauges     map[string]int    `json:"gauges,omitempty"`
}

func (s *Status) run(ctx context.Context) statusResponse {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make(map[string]Check, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	gauges := make(map[string]int, len(s.gauges))
	for k, g := range s.gauges {
		gauges[k] = g()
	}
	s.mu.RUnlock()

	resp := statusResponse{
		InstanceID: s.instanceID,
		Healthy:    true,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Checks:     make(map[string]string, len(names)),
		Gauges:     gauges,
	}
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checks[name](checkCtx)
		cancel()
		if err != nil {
			resp.Healthy = false
			resp.Checks[name] = err.Error()
			logging.FromContext(ctx, s.logger).Warn("Health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		resp.Checks[name] = "ok"
	}
	return resp
}

func (s *Status) health(w http.ResponseWriter, r *http.Request) {
	resp := s.run(r.Context())
	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"healthy": resp.Healthy})
}

func (s *Status) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.run(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// NewRouter builds the chi router with the standard middleware stack.
func NewRouter(healthPath string, requestTimeout time.Duration, status *Status, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationID)
	r.Use(StructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get(healthPath, status.health)
	r.Get("/status", status.status)
	return r
}
