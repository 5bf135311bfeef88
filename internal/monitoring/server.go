package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server serves the metrics of a run in progress
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *logrus.Entry

	mu     sync.RWMutex
	status Status
}

// Config holds monitoring server configuration
type Config struct {
	BindAddress string
	MetricsPath string
}

// Status is what /info reports about the current run
type Status struct {
	Service string    `json:"service"`
	TestID  string    `json:"test_id,omitempty"`
	Label   string    `json:"label,omitempty"`
	Phase   string    `json:"phase,omitempty"`
	Started time.Time `json:"started"`
}

// NewServer creates a new monitoring server
func NewServer(cfg *Config, metrics *Metrics, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger.WithField("component", "monitoring-server"),
		status: Status{Service: "transfer-e2e"},
	}

	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	s.router.Use(metrics.HTTPMiddleware)

	// Prometheus metrics endpoint
	s.router.Handle(metricsPath, promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Health check endpoint for monitoring
	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	// Run info endpoint
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.router }

// SetPhase updates the run status reported by /info
func (s *Server) SetPhase(testID, label, phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.TestID != testID {
		s.status.Started = time.Now().UTC()
	}
	s.status.TestID = testID
	s.status.Label = label
	s.status.Phase = phase
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.WithError(err).Debug("Failed to write info response")
	}
}

// Start starts the monitoring server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("address", s.httpServer.Addr).Info("Starting monitoring server")

	// Start server in goroutine
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Monitoring server error")
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("Shutting down monitoring server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitoring server shutdown failed: %w", err)
	}

	s.logger.Info("Monitoring server stopped")
	return nil
}

// Stop stops the monitoring server
func (s *Server) Stop() error {
	return s.httpServer.Close()
}
