// Package session tracks which connections are watching each device
// display and announces membership changes.
package session

import (
	"sort"
	"sync"

	"github.com/codefionn/scrcpyhub/internal/event"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/codefionn/scrcpyhub/internal/surface"
	"github.com/google/uuid"
)

// CountChanged is published after every membership change of a display.
type CountChanged struct {
	Key     surface.Key
	Count   int
	Viewers []surface.Viewer
}

// Registry maps device displays to the connections viewing them.
//
// The mutex is held across the mutation and the listener fan-out, so every
// Add and Remove is observed as one step and events arrive in call order.
// Listeners must not call back into the registry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[int]map[string]surface.Viewer
	bus      *event.Bus[CountChanged]
	log      *logger.Logger
}

// NewRegistry creates an empty registry. A nil logger uses the global one.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global().WithPrefix("sessions")
	}
	return &Registry{
		sessions: make(map[string]map[int]map[string]surface.Viewer),
		bus:      event.NewBus[CountChanged]("sessions"),
		log:      log,
	}
}

// GenerateClientID returns a new connection id.
func GenerateClientID() string {
	return "client_" + uuid.NewString()
}

// Add registers clientID as viewing key. A nil viewer is recorded as
// anonymous. Adding an existing client replaces its viewer.
func (r *Registry) Add(key surface.Key, clientID string, viewer *surface.Viewer) {
	v := surface.Anonymous(clientID)
	if viewer != nil {
		v = *viewer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	displays, ok := r.sessions[key.DeviceID]
	if !ok {
		displays = make(map[int]map[string]surface.Viewer)
		r.sessions[key.DeviceID] = displays
	}
	clients, ok := displays[key.DisplayID]
	if !ok {
		clients = make(map[string]surface.Viewer)
		displays[key.DisplayID] = clients
	}
	clients[clientID] = v

	r.log.Debug("added %s to %s (%d connected)", clientID, key, len(clients))
	r.publishLocked(key)
}

// Remove unregisters clientID from key. Removing an unknown client does
// nothing and publishes nothing.
func (r *Registry) Remove(key surface.Key, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	displays, ok := r.sessions[key.DeviceID]
	if !ok {
		return
	}
	clients, ok := displays[key.DisplayID]
	if !ok {
		return
	}
	if _, ok := clients[clientID]; !ok {
		return
	}

	delete(clients, clientID)
	if len(clients) == 0 {
		delete(displays, key.DisplayID)
		if len(displays) == 0 {
			delete(r.sessions, key.DeviceID)
		}
	}

	r.log.Debug("removed %s from %s", clientID, key)
	r.publishLocked(key)
}

func (r *Registry) publishLocked(key surface.Key) {
	r.bus.Publish(CountChanged{
		Key:     key,
		Count:   r.countLocked(key),
		Viewers: r.viewersLocked(key),
	})
}

// Count returns the number of connections viewing key.
func (r *Registry) Count(key surface.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(key)
}

func (r *Registry) countLocked(key surface.Key) int {
	return len(r.sessions[key.DeviceID][key.DisplayID])
}

// Viewers returns the distinct viewers of key sorted by display name.
// Several connections of one viewer are listed once.
func (r *Registry) Viewers(key surface.Key) []surface.Viewer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewersLocked(key)
}

func (r *Registry) viewersLocked(key surface.Key) []surface.Viewer {
	clients := r.sessions[key.DeviceID][key.DisplayID]

	// Map iteration order is random; sort client ids first so the viewer
	// kept for a duplicated key does not vary between calls.
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := make(map[string]struct{}, len(clients))
	viewers := make([]surface.Viewer, 0, len(clients))
	for _, id := range ids {
		v := clients[id]
		dedupe := v.DedupeKey()
		if dedupe == "" {
			continue
		}
		if _, dup := seen[dedupe]; dup {
			continue
		}
		seen[dedupe] = struct{}{}
		viewers = append(viewers, v)
	}

	sort.SliceStable(viewers, func(i, j int) bool {
		return viewers[i].DisplayName < viewers[j].DisplayName
	})
	return viewers
}

// Subscribe registers fn for every CountChanged event.
func (r *Registry) Subscribe(fn func(CountChanged)) *event.Subscription {
	return r.bus.Subscribe(fn)
}

// Watch subscribes fn to the events of key and immediately delivers the
// current state of key. No event can slip between the two.
func (r *Registry) Watch(key surface.Key, fn func(CountChanged)) *event.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.bus.Subscribe(func(ev CountChanged) {
		if ev.Key == key {
			fn(ev)
		}
	})
	fn(CountChanged{Key: key, Count: r.countLocked(key), Viewers: r.viewersLocked(key)})
	return sub
}

// Len returns the number of displays with at least one connection.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, displays := range r.sessions {
		n += len(displays)
	}
	return n
}

// Reset drops every session and listener.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]map[int]map[string]surface.Viewer)
	r.bus.Clear()
}
