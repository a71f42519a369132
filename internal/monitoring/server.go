package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Health tracks per-worker liveness: each worker beats on every completed
// pass, and the endpoint reports degraded when a beat goes missing.
type Health struct {
	mu    sync.Mutex
	beats map[string]time.Time
	// MaxAge is how stale a beat may be before the worker counts as down.
	MaxAge time.Duration
}

// NewHealth creates a tracker; workers older than maxAge are reported down.
func NewHealth(maxAge time.Duration) *Health {
	return &Health{beats: make(map[string]time.Time), MaxAge: maxAge}
}

// Beat records a completed pass for the named worker.
func (h *Health) Beat(worker string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats[worker] = time.Now()
}

// Report returns overall health and the age of each worker's last beat.
func (h *Health) Report() (bool, map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	healthy := true
	ages := make(map[string]string, len(h.beats))
	for worker, last := range h.beats {
		age := time.Since(last)
		ages[worker] = age.Round(time.Second).String()
		if age > h.MaxAge {
			healthy = false
		}
	}
	return healthy, ages
}

// Handler serves the health report as JSON; 503 when degraded.
func (h *Health) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		healthy, ages := h.Report()
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy": healthy,
			"workers": ages,
		})
	})
}

// Server bundles the metrics and health HTTP listeners.
type Server struct {
	metrics *http.Server
	health  *http.Server
	log     *logrus.Entry
}

// NewServer builds listeners for the metrics and health ports.
func NewServer(metricsPort, healthPort int, health *Health, log *logrus.Entry) *Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	healthMux := http.NewServeMux()
	healthMux.Handle("/healthz", health.Handler())

	return &Server{
		metrics: &http.Server{Addr: fmt.Sprintf(":%d", metricsPort), Handler: metricsMux},
		health:  &http.Server{Addr: fmt.Sprintf(":%d", healthPort), Handler: healthMux},
		log:     log,
	}
}

// Start runs both listeners in the background.
func (s *Server) Start() {
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		if err := s.health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("health server stopped")
		}
	}()
}

// Shutdown stops both listeners gracefully.
func (s *Server) Shutdown(ctx context.Context) {
	_ = s.metrics.Shutdown(ctx)
	_ = s.health.Shutdown(ctx)
}
