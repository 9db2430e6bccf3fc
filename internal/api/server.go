// Package api exposes the operational HTTP surface: Prometheus
// metrics at /metrics and a JSON health document at /health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/repetl"
)

// HealthStatus is the top-level state of the health document.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusWarning   HealthStatus = "warning"
	StatusCritical  HealthStatus = "critical"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthReport is the JSON document served at /health.
type HealthReport struct {
	Status        HealthStatus   `json:"status"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Components    map[string]any `json:"components"`
}

// Server serves the monitoring endpoints.
type Server struct {
	logger repetl.Logger
	health func() HealthReport
	http   *http.Server
}

// NewServer builds a server on the given port. The health callback
// is invoked per request.
func NewServer(port int, logger repetl.Logger, health func() HealthReport) *Server {
	s := &Server{logger: logger, health: health}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health()
	code := http.StatusOK
	if report.Status == StatusUnhealthy || report.Status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Error("write health response", "error", err)
	}
}

// Start serves until Shutdown. Meant to run on its own goroutine.
func (s *Server) Start() {
	s.logger.Info("monitoring listener started", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("monitoring listener failed", "error", err)
	}
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
