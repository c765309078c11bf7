package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/scrcpyhub/internal/logger"
)

var (
	// ErrConnectionNotFound is returned for an unknown saved connection.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrInvalidConnection marks a connection that fails validation.
	ErrInvalidConnection = errors.New("invalid connection")
)

// Platforms of a saved connection.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// Connection is a saved device endpoint. Its id doubles as the device id
// viewers connect to.
type Connection struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	Secure    bool   `json:"secure"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"createdAt"`
}

// Validate checks the fields required before saving. An empty type
// becomes android.
func (c *Connection) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil", ErrInvalidConnection)
	case strings.TrimSpace(c.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidConnection)
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: missing name", ErrInvalidConnection)
	case strings.TrimSpace(c.Hostname) == "":
		return fmt.Errorf("%w: missing hostname", ErrInvalidConnection)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConnection, c.Port)
	}

	switch c.Type {
	case "":
		c.Type = PlatformAndroid
	case PlatformAndroid, PlatformIOS:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConnection, c.Type)
	}
	return nil
}

// URL returns the WebSocket URL of the connection.
func (c *Connection) URL() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port)),
		Path:   "/",
	}
	if c.Secure {
		u.Scheme = "wss"
	}
	return u.String()
}

// ConnectionStore persists saved connections.
type ConnectionStore interface {
	// ListConnections returns all connections, newest first.
	ListConnections(ctx context.Context) ([]*Connection, error)
	// GetConnection returns ErrConnectionNotFound for an unknown id.
	GetConnection(ctx context.Context, id string) (*Connection, error)
	// SaveConnection creates or replaces a connection. The creation time
	// of an existing connection is kept.
	SaveConnection(ctx context.Context, c *Connection) error
	DeleteConnection(ctx context.Context, id string) (bool, error)
}

// MemoryConnectionStore is a ConnectionStore kept in memory.
type MemoryConnectionStore struct {
	mu          sync.Mutex
	connections map[string]Connection
}

var _ ConnectionStore = (*MemoryConnectionStore)(nil)

// NewMemoryConnectionStore creates an empty store.
func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{connections: make(map[string]Connection)}
}

// ListConnections implements ConnectionStore.
func (s *MemoryConnectionStore) ListConnections(context.Context) ([]*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		c := c
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}

// GetConnection implements ConnectionStore.
func (s *MemoryConnectionStore) GetConnection(_ context.Context, id string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return &c, nil
}

// SaveConnection implements ConnectionStore.
func (s *MemoryConnectionStore) SaveConnection(_ context.Context, c *Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *c
	if prev, ok := s.connections[c.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	s.connections[c.ID] = stored
	return nil
}

// DeleteConnection implements ConnectionStore.
func (s *MemoryConnectionStore) DeleteConnection(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[id]; !ok {
		return false, nil
	}
	delete(s.connections, id)
	return true, nil
}

// Resolver finds the upstream URL of a device. Devices from the config
// win over saved connections.
type Resolver struct {
	Configured  func(deviceID string) (string, bool)
	Connections ConnectionStore
	// Timeout bounds the saved connection lookup. Zero means 5s.
	Timeout time.Duration
	Log     *logger.Logger
}

// URL has the signature of WSDialer.URL.
func (r *Resolver) URL(deviceID string) (string, bool) {
	if r.Configured != nil {
		if u, ok := r.Configured(deviceID); ok {
			return u, true
		}
	}
	if r.Connections == nil {
		return "", false
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := r.Connections.GetConnection(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, ErrConnectionNotFound) {
			log := r.Log
			if log == nil {
				log = logger.Global().WithPrefix("device")
			}
			log.Warn("failed to look up saved connection %s: %v", deviceID, err)
		}
		return "", false
	}
	return c.URL(), true
}
