// Package health serves the liveness report of the running streams and the
// Prometheus metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status represents the health of a stream or of the whole process.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// StreamHealth is the health of one tail or shard stream.
type StreamHealth struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Status    Status `json:"status"`
	Processed int64  `json:"processed"`
	Error     string `json:"error,omitempty"`
}

// Provider reports the streams it runs.
type Provider interface {
	Health() []StreamHealth
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() []StreamHealth

func (f ProviderFunc) Health() []StreamHealth { return f() }

// Report is the full health report.
type Report struct {
	Status    Status         `json:"status"`
	Uptime    string         `json:"uptime"`
	StartedAt time.Time      `json:"startedAt"`
	RunID     string         `json:"runId,omitempty"`
	Streams   []StreamHealth `json:"streams"`
}

// Checker aggregates stream health from its providers.
type Checker struct {
	startedAt time.Time
	runID     string
	logger    *slog.Logger

	mu        sync.RWMutex
	providers []Provider
}

func NewChecker(runID string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		startedAt: time.Now(),
		runID:     runID,
		logger:    logger.With("component", "health"),
	}
}

// Register adds a provider.
func (h *Checker) Register(p Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.providers = append(h.providers, p)
}

// GetReport returns the current health report. The process is unhealthy when any
// stream is, degraded when any stream is degraded or none run yet.
func (h *Checker) GetReport() Report {
	h.mu.RLock()
	providers := append([]Provider(nil), h.providers...)
	h.mu.RUnlock()

	report := Report{
		Status:    StatusOK,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		StartedAt: h.startedAt,
		RunID:     h.runID,
		Streams:   []StreamHealth{},
	}
	for _, p := range providers {
		report.Streams = append(report.Streams, p.Health()...)
	}
	sort.Slice(report.Streams, func(i, j int) bool { return report.Streams[i].Name < report.Streams[j].Name })

	if len(report.Streams) == 0 {
		report.Status = StatusDegraded
	}
	for _, s := range report.Streams {
		if s.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
		} else if s.Status == StatusDegraded && report.Status == StatusOK {
			report.Status = StatusDegraded
		}
	}
	return report
}

// Check returns the overall health status.
func (h *Checker) Check() Status {
	return h.GetReport().Status
}

// ServeHTTP implements http.Handler for the health endpoint.
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.GetReport()

	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("failed to write health report", "error", err)
	}
}

// Handler returns a mux serving the health report on healthPath and metrics on metricsPath.
func (h *Checker) Handler(healthPath, metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(healthPath, h)
	if metricsPath != "" {
		mux.Handle(metricsPath, promhttp.Handler())
	}
	return mux
}

// StartServer serves Handler on addr until ctx is canceled.
func StartServer(ctx context.Context, addr, healthPath, metricsPath string, checker *Checker) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           checker.Handler(healthPath, metricsPath),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	checker.logger.Info("health server starting", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
