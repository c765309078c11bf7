package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/codefionn/scrcpyhub/internal/config"
	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/codefionn/scrcpyhub/internal/surface"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// Time allowed to dial the device before the upgrade is refused.
	dialTimeout = 10 * time.Second

	shutdownTimeout = 5 * time.Second
)

// Server serves the viewer WebSocket and the workflow API.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	router   *httprouter.Router
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewServer creates a server for hub.
func NewServer(cfg *config.Config, hub *Hub, log *logger.Logger) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logger.Global().WithPrefix("web")
	}

	s := &Server{
		cfg:    cfg,
		hub:    hub,
		router: httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Viewers reach the hub through an authenticating proxy that
			// enforces its own origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}

	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws/:device", s.handleWebSocket)

	s.router.GET("/api/devices", s.handleListDevices)
	s.router.GET("/api/devices/:device/displays/:display/state", s.handleDisplayState)

	// Workflows
	s.router.GET("/api/devices/:device/workflows", s.handleListWorkflows)
	s.router.POST("/api/devices/:device/workflows", s.handleSaveWorkflow)
	s.router.POST("/api/devices/:device/workflows/import", s.handleImportWorkflow)
	s.router.GET("/api/devices/:device/workflows/:id", s.handleGetWorkflow)
	s.router.PATCH("/api/devices/:device/workflows/:id", s.handleUpdateWorkflow)
	s.router.DELETE("/api/devices/:device/workflows/:id", s.handleDeleteWorkflow)
	s.router.GET("/api/devices/:device/workflows/:id/export", s.handleExportWorkflow)

	// Saved connections
	s.router.GET("/api/connections", s.handleListConnections)
	s.router.POST("/api/connections", s.handleSaveConnection)
	s.router.GET("/api/connections/:id", s.handleGetConnection)
	s.router.DELETE("/api/connections/:id", s.handleDeleteConnection)
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully and closes every client.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(s.log, slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Web server listening on %s", ln.Addr())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Stopping web server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.hub.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().Format(time.RFC3339),
		"clients": s.hub.ClientCount(),
	})
}

// handleWebSocket attaches a viewer to one display of a device. The
// display is chosen with the display query parameter, default 0.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, err := surfaceKey(ps.ByName("device"), r.URL.Query().Get("display"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := newClient(s.hub, s.cfg.MaxMessageSize)

	if s.hub.dialer != nil {
		ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
		link, err := s.hub.dialer.Dial(ctx, key.DeviceID, c.sendFrame)
		cancel()
		switch {
		case errors.Is(err, device.ErrNotConfigured):
			s.log.Debug("no upstream for %s, control input will be dropped", key.DeviceID)
		case err != nil:
			s.log.Warn("failed to reach device %s: %v", key.DeviceID, err)
			http.Error(w, "device unavailable", http.StatusBadGateway)
			return
		default:
			c.link = link
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade WebSocket: %v", err)
		if c.link != nil {
			_ = c.link.Close()
		}
		return
	}
	c.conn = conn

	var upstream Upstream
	if c.link != nil {
		upstream = c.link
	}
	c.session = NewControlSession(s.hub, key, ViewerFromRequest(r, s.cfg.Identity), c.sendJSON, upstream)

	if !s.hub.Register(c) {
		_ = conn.Close()
		if c.link != nil {
			_ = c.link.Close()
		}
		return
	}

	go c.WritePump()
	c.session.Register()
	if c.link != nil {
		go c.watchLink()
	}
	go c.ReadPump()
}

func surfaceKey(deviceID, display string) (surface.Key, error) {
	if deviceID == "" {
		return surface.Key{}, errors.New("device id is required")
	}
	key := surface.Key{DeviceID: deviceID}
	if display == "" {
		return key, nil
	}
	id, err := strconv.Atoi(display)
	if err != nil || id < 0 {
		return surface.Key{}, fmt.Errorf("invalid display id %q", display)
	}
	key.DisplayID = id
	return key, nil
}
