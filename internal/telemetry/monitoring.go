package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/valrun/pkg/api"
)

// StatusSource provides the latest run snapshot. It must be safe to call
// from the HTTP goroutines.
type StatusSource interface {
	Report() api.RunSummary
}

// MonitoringServer exposes the run status and metrics over HTTP.
type MonitoringServer struct {
	collector *Collector
	source    StatusSource
	server    *http.Server
}

func NewMonitoringServer(addr string, collector *Collector, source StatusSource) *MonitoringServer {
	ms := &MonitoringServer{collector: collector, source: source}
	mux := http.NewServeMux()
	ms.setupRoutes(mux)
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

func (ms *MonitoringServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("/api/tasks", ms.apiTasksHandler)
}

// Handler is the route multiplexer, mainly for tests.
func (ms *MonitoringServer) Handler() http.Handler { return ms.server.Handler }

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s := ms.source.Report()
	writeJSON(w, map[string]interface{}{
		"status":    s.Status,
		"timestamp": time.Now(),
		"done":      s.Done(),
		"total":     s.Total,
		"percent":   s.Percent(),
	})
}

// metricsHandler writes Prometheus text exposition.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	seen := map[string]bool{}
	for _, m := range ms.collector.GetMetrics() {
		if !seen[m.Name] {
			typ := "gauge"
			if m.Type == Counter {
				typ = "counter"
			}
			fmt.Fprintf(w, "# TYPE %s %s\n", m.Name, typ)
			seen[m.Name] = true
		}
		fmt.Fprintf(w, "%s%s %g\n", m.Name, promLabels(m.Labels), m.Value)
	}
}

func promLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ms.collector.GetMetrics())
}

// apiTasksHandler serves the full snapshot; ?status=failed filters the task list.
func (ms *MonitoringServer) apiTasksHandler(w http.ResponseWriter, r *http.Request) {
	s := ms.source.Report()
	if want := r.URL.Query().Get("status"); want != "" {
		filtered := make([]api.TaskReport, 0, len(s.Tasks))
		for _, t := range s.Tasks {
			if t.Status == want {
				filtered = append(filtered, t)
			}
		}
		s.Tasks = filtered
	}
	writeJSON(w, s)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

// Start serves until Shutdown is called.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("starting status server")
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
