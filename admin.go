// Component C7: the read-only admin/observability HTTPS surface. Entirely
// separate from the chat wire protocol — it never touches the TCP/UDP
// sockets hub.go owns, only the registry/topology/metrics state they
// populate.
//
// Grounded on the teacher's api.go (Echo app, route table, consistent JSON
// error handler, request-logging middleware) generalized from room/voice
// state to hub/topology state, and on server.go's TLS-serving Run loop,
// folded in here since this is now the only HTTPS listener in the module
// (see DESIGN.md for why server.go itself was dropped).
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is the hub's version string. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// AdminServer serves the C7 surface over self-signed TLS.
type AdminServer struct {
	hub       *Hub
	tlsConfig *tls.Config
	echo      *echo.Echo
}

// NewAdminServer constructs an AdminServer wired to hub and registers its
// routes.
func NewAdminServer(hub *Hub, tlsConfig *tls.Config) *AdminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[admin] %s %s %d id=%s", v.Method, v.URI, v.Status, v.RequestID)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &AdminServer{hub: hub, tlsConfig: tlsConfig, echo: e}
	s.registerRoutes()
	return s
}

func (s *AdminServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/hub", s.handleHubState)
	s.echo.GET("/api/topology", s.handleTopology)
	s.echo.GET("/api/metrics", s.handleMetrics)
	s.echo.GET("/api/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.hub.metrics.Registry(), promhttp.HandlerOpts{})))
}

// Run starts the admin HTTPS server on addr and blocks until ctx is
// canceled, mirroring the teacher's server.go TLS-serving Run loop.
func (s *AdminServer) Run(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			log.Printf("[admin] shutdown: %v", err)
		}
	}()

	log.Printf("[admin] listening on %s", addr)
	err := httpSrv.ListenAndServeTLS("", "")
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// HealthResponse is the payload for GET /health (SPEC_FULL.md §4.7:
// {status, sessions, uptime_s}).
type HealthResponse struct {
	Status   string  `json:"status"`
	Sessions int     `json:"sessions"`
	UptimeS  float64 `json:"uptime_s"`
}

func (s *AdminServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: s.hub.reg.Count(),
		UptimeS:  s.hub.Uptime().Seconds(),
	})
}

// HubSession is one registered session's detail in HubStateResponse, per
// SPEC_FULL.md §4.7: "registered usernames, each session's last_seen, and
// whether its UDP address is bound yet."
type HubSession struct {
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
	UDPBound bool      `json:"udp_bound"`
}

// HubStateResponse is the payload for GET /api/hub.
type HubStateResponse struct {
	Connections int          `json:"connections"`
	Users       []string     `json:"users"`
	Sessions    []HubSession `json:"sessions"`
}

func (s *AdminServer) handleHubState(c echo.Context) error {
	snapshot := s.hub.reg.Snapshot()
	users := make([]string, 0, len(snapshot))
	sessions := make([]HubSession, 0, len(snapshot))
	for _, sess := range snapshot {
		users = append(users, sess.Username)
		sessions = append(sessions, HubSession{
			Username: sess.Username,
			LastSeen: sess.LastSeen,
			UDPBound: sess.UDPAddr != nil,
		})
	}
	return c.JSON(http.StatusOK, HubStateResponse{
		Connections: len(snapshot),
		Users:       users,
		Sessions:    sessions,
	})
}

func (s *AdminServer) handleTopology(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.topo.Snapshot())
}

// AdminMetricsResponse is the payload for GET /api/metrics: the hub's own
// counters (MetricsSnapshot) plus the two figures that only the registry
// and topology tracker know, so admin.go composes them rather than Metrics
// tracking state it doesn't own.
type AdminMetricsResponse struct {
	MetricsSnapshot
	ActiveSessions int `json:"active_sessions"`
	TopologyNodes  int `json:"topology_nodes"`
	TopologyEdges  int `json:"topology_edges"`
}

func (s *AdminServer) handleMetrics(c echo.Context) error {
	topo := s.hub.topo.Snapshot()
	return c.JSON(http.StatusOK, AdminMetricsResponse{
		MetricsSnapshot: s.hub.metrics.Snapshot(),
		ActiveSessions:  s.hub.reg.Count(),
		TopologyNodes:   len(topo.Nodes),
		TopologyEdges:   len(topo.Connections),
	})
}

// VersionResponse is the payload for GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *AdminServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
//
// Carried over near-verbatim from the teacher's api.go (matching
// *echo.HTTPError with errors.As) — it replaces Echo's default handler,
// which varies between text and JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
		} else {
			_ = c.JSON(code, map[string]string{"error": msg})
		}
	}
}
