package web

import (
	"sync"

	"github.com/codefionn/scrcpyhub/internal/clock"
	"github.com/codefionn/scrcpyhub/internal/config"
	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/lock"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/codefionn/scrcpyhub/internal/session"
	"github.com/codefionn/scrcpyhub/internal/workflow"
)

// Hub owns the process wide session registry and lock arbiter and keeps
// track of the live WebSocket clients.
type Hub struct {
	registry *session.Registry
	arbiter  *lock.Arbiter
	store    workflow.Store
	conns    device.ConnectionStore
	dialer   device.Dialer
	clock    clock.Clock
	lockCfg  config.LockConfig
	log      *logger.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock sets the clock used for lock timestamps and playback.
func WithClock(clk clock.Clock) HubOption {
	return func(h *Hub) { h.clock = clk }
}

// WithDialer sets the dialer used to reach devices. Without one viewers
// get lock and session state but no device.
func WithDialer(d device.Dialer) HubOption {
	return func(h *Hub) { h.dialer = d }
}

// WithConnections sets the store of saved device connections.
func WithConnections(cs device.ConnectionStore) HubOption {
	return func(h *Hub) { h.conns = cs }
}

// WithHubLogger sets the logger.
func WithHubLogger(l *logger.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// NewHub creates a hub storing workflows in store.
func NewHub(cfg *config.Config, store workflow.Store, opts ...HubOption) *Hub {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	h := &Hub{
		store:   store,
		lockCfg: cfg.Lock,
		clients: make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.log == nil {
		h.log = logger.Global().WithPrefix("hub")
	}
	if h.store == nil {
		h.store = workflow.NewMemoryStore()
	}
	if h.conns == nil {
		h.conns = device.NewMemoryConnectionStore()
	}
	h.registry = session.NewRegistry(h.log.WithPrefix("sessions"))
	h.arbiter = lock.NewArbiter(h.clock, h.log.WithPrefix("lock"))
	return h
}

// Registry returns the session registry.
func (h *Hub) Registry() *session.Registry { return h.registry }

// Arbiter returns the lock arbiter.
func (h *Hub) Arbiter() *lock.Arbiter { return h.arbiter }

// Store returns the workflow store.
func (h *Hub) Store() workflow.Store { return h.store }

// Connections returns the saved connection store.
func (h *Hub) Connections() device.ConnectionStore { return h.conns }

// Register adds a client. It reports false once the hub is shut down.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.log.Debug("client registered: %s", c.ID())
	return true
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.log.Debug("client unregistered: %s", c.ID())
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every client and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	h.log.Info("closed %d clients", len(clients))
}

// Reset drops all sessions, locks and listeners. Connected clients keep
// running but stop receiving state updates.
func (h *Hub) Reset() {
	h.registry.Reset()
	h.arbiter.Reset()
}
