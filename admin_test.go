package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatmesh/internal/protocol"
)

func TestAdminHealthReportsSessionCountAndUptime(t *testing.T) {
	hub := NewHub(Config{}, NewMetrics())
	if err := hub.reg.Register("alice", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	admin := NewAdminServer(hub, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	admin.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "ok" || body.Sessions != 1 || body.UptimeS < 0 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestAdminHubStateListsUsernames(t *testing.T) {
	hub := NewHub(Config{}, NewMetrics())
	if err := hub.reg.Register("alice", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := hub.reg.Register("bob", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	admin := NewAdminServer(hub, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/hub", nil)
	rec := httptest.NewRecorder()
	admin.echo.ServeHTTP(rec, req)

	var body HubStateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Connections != 2 || len(body.Users) != 2 || len(body.Sessions) != 2 {
		t.Fatalf("unexpected hub state: %+v", body)
	}
	for _, sess := range body.Sessions {
		if sess.UDPBound {
			t.Fatalf("session %q should not be UDP-bound yet: %+v", sess.Username, sess)
		}
		if sess.LastSeen.IsZero() {
			t.Fatalf("session %q missing last_seen: %+v", sess.Username, sess)
		}
	}
}

func TestAdminVersionEndpoint(t *testing.T) {
	admin := NewAdminServer(NewHub(Config{}, NewMetrics()), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	admin.echo.ServeHTTP(rec, req)

	var body VersionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Version != Version {
		t.Fatalf("expected version %q, got %q", Version, body.Version)
	}
}

func TestAdminTopologyEndpointReflectsTracker(t *testing.T) {
	hub := NewHub(Config{}, NewMetrics())
	hub.topo.UpsertNode("alice", "10.0.0.1", 4000, nil)
	hub.topo.UpsertNode("bob", "10.0.0.2", 4001, nil)
	hub.topo.UpdateLink("alice", "bob", 77)

	admin := NewAdminServer(hub, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/topology", nil)
	rec := httptest.NewRecorder()
	admin.echo.ServeHTTP(rec, req)

	var body struct {
		Nodes       []map[string]any `json:"nodes"`
		Connections []map[string]any `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Nodes) != 2 || len(body.Connections) != 1 {
		t.Fatalf("unexpected topology body: %+v", body)
	}
}

func TestAdminMetricsIncludesSessionsAndTopologyCounts(t *testing.T) {
	hub := NewHub(Config{}, NewMetrics())
	if err := hub.reg.Register("alice", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	hub.topo.UpsertNode("alice", "10.0.0.1", 4000, nil)
	hub.topo.UpsertNode("bob", "10.0.0.2", 4001, nil)
	hub.topo.UpdateLink("alice", "bob", 77)
	hub.metrics.AcksSent.Add(2)
	hub.metrics.RecordMessage(protocol.KindChat)

	admin := NewAdminServer(hub, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	admin.echo.ServeHTTP(rec, req)

	var body AdminMetricsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.ActiveSessions != 1 {
		t.Fatalf("expected active_sessions=1, got %d", body.ActiveSessions)
	}
	if body.TopologyNodes != 2 || body.TopologyEdges != 1 {
		t.Fatalf("expected 2 topology nodes and 1 edge, got %+v", body)
	}
	if body.AcksSent != 2 {
		t.Fatalf("expected acks_sent=2, got %d", body.AcksSent)
	}
	if body.MessagesByType["CHAT"] != 1 {
		t.Fatalf("expected one CHAT message recorded, got %+v", body.MessagesByType)
	}
}
