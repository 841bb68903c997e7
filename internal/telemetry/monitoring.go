package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FleetStatus is what the status server reports about the supervisor.
type FleetStatus struct {
	RunID    string         `json:"run_id"`
	State    string         `json:"state"`
	Registry map[string]int `json:"registry"`
	Pending  int            `json:"pending_removals"`
}

// StatusFunc returns the current fleet status.
type StatusFunc func() FleetStatus

// MonitoringServer serves health, fleet status and metrics over HTTP.
type MonitoringServer struct {
	collector *Collector
	status    StatusFunc
	server    *http.Server
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, collector *Collector, status StatusFunc) *MonitoringServer {
	ms := &MonitoringServer{collector: collector, status: status}
	mux := http.NewServeMux()
	ms.setupRoutes(mux)
	ms.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return ms
}

func (ms *MonitoringServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", ms.healthHandler)
	mux.HandleFunc("/v0/fleet", ms.fleetHandler)
	mux.HandleFunc("/v0/metrics", ms.metricsHandler)
}

// healthHandler is unhealthy once the supervisor has terminated.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := ms.status()
	status := "healthy"
	if st.State == "TERMINATED" {
		status = "unhealthy"
	}
	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"state":     st.State,
		"timestamp": time.Now(),
	})
}

func (ms *MonitoringServer) fleetHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.status())
}

// metricsHandler writes Prometheus text format.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	last := ""
	for _, metric := range ms.collector.GetMetrics() {
		labelStr := ""
		if len(metric.Labels) > 0 {
			var pairs []string
			for k, v := range metric.Labels {
				pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
			}
			sort.Strings(pairs)
			labelStr = "{" + strings.Join(pairs, ",") + "}"
		}
		if metric.Name != last {
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, metric.Type)
			last = metric.Name
		}
		fmt.Fprintf(w, "%s%s %g\n", metric.Name, labelStr, metric.Value)
	}
}

// Start listens and serves in the background until Shutdown.
func (ms *MonitoringServer) Start() error {
	ln, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ms.server.Addr, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	go func() {
		if err := ms.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Status server failed")
		}
	}()
	return nil
}

// Shutdown the server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
