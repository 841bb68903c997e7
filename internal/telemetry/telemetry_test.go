package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/3cpo-dev/fleetd/pkg/api"
)

func TestCollectorEmitCountsOutcomes(t *testing.T) {
	c := NewCollector(true, 0)
	defer c.Shutdown()
	c.Emit(api.Event{Cycle: 1, Host: "h1", Outcome: api.OutcomeUp})
	c.Emit(api.Event{Cycle: 2, Host: "h1", Outcome: api.OutcomeUp})
	c.Emit(api.Event{Cycle: 2, Host: "h2", Outcome: api.OutcomeOffline, Kind: api.KindConnection})

	if got := c.Value("fleetd_events_total", map[string]string{"outcome": "up"}); got != 2 {
		t.Fatalf("expected 2 up events, got %v", got)
	}
	if got := c.Value("fleetd_events_total", map[string]string{"outcome": "offline", "kind": "connection"}); got != 1 {
		t.Fatalf("expected 1 offline event, got %v", got)
	}
	if got := c.Value("fleetd_cycle", nil); got != 2 {
		t.Fatalf("expected cycle gauge 2, got %v", got)
	}
}

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false, 0)
	c.Counter("x", 1, nil)
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("disabled collector recorded metrics")
	}
}

func TestMonitoringServerRoutes(t *testing.T) {
	c := NewCollector(true, 0)
	c.Emit(api.Event{Cycle: 3, Outcome: api.OutcomeProxyUp})
	state := "PROXY_UP_SCANNING"
	ms := NewMonitoringServer("127.0.0.1:0", c, func() FleetStatus {
		return FleetStatus{RunID: "r1", State: state, Registry: map[string]int{"localhost": 10, "h1": 11}}
	})
	mux := http.NewServeMux()
	ms.setupRoutes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/fleet", nil))
	var st FleetStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Registry["h1"] != 11 || st.RunID != "r1" {
		t.Fatalf("unexpected status %+v", st)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/metrics", nil))
	if !strings.Contains(rr.Body.String(), `fleetd_events_total{outcome="proxy_up"} 1`) {
		t.Fatalf("unexpected metrics output:\n%s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rr.Code)
	}
	state = "TERMINATED"
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after termination, got %d", rr.Code)
	}
}
