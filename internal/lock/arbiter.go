// Package lock arbitrates exclusive control of device displays.
//
// A display is unlocked, locked by a user, or locked by a workflow. A
// workflow lock may replace a user lock, nothing replaces a workflow lock,
// and only EmergencyUnlock clears a workflow lock held by someone else.
package lock

import (
	"sync"

	"github.com/codefionn/scrcpyhub/internal/clock"
	"github.com/codefionn/scrcpyhub/internal/event"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/codefionn/scrcpyhub/internal/surface"
)

// Type is the kind of lock held.
type Type string

const (
	TypeUser     Type = "user"
	TypeWorkflow Type = "workflow"
)

// Info describes the lock on one display.
type Info struct {
	Type       Type   `json:"type"`
	HolderID   string `json:"lockHolderId"`
	HolderName string `json:"lockHolderName"`
	// OwnerClientID is the connection that started a workflow.
	OwnerClientID string `json:"ownerClientId,omitempty"`
	// AcquiredAt is in Unix milliseconds.
	AcquiredAt int64 `json:"acquiredAt"`
}

// HeldBy reports whether the connection clientID controls the display.
// For workflow locks that is the owning connection, not the workflow id.
func (i *Info) HeldBy(clientID string) bool {
	if i == nil || clientID == "" {
		return false
	}
	if i.Type == TypeWorkflow {
		return i.OwnerClientID == clientID
	}
	return i.HolderID == clientID
}

// Changed is published after every successful transition. Lock is nil
// when the display became unlocked.
type Changed struct {
	Key  surface.Key
	Lock *Info
}

// Arbiter owns the lock of every display.
//
// The mutex is held across the transition and the listener fan-out.
// Listeners must not call back into the arbiter.
type Arbiter struct {
	mu    sync.Mutex
	locks map[surface.Key]*Info
	bus   *event.Bus[Changed]
	clock clock.Clock
	log   *logger.Logger
}

// NewArbiter creates an arbiter with no locks held.
func NewArbiter(clk clock.Clock, log *logger.Logger) *Arbiter {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Global().WithPrefix("lock")
	}
	return &Arbiter{
		locks: make(map[surface.Key]*Info),
		bus:   event.NewBus[Changed]("locks"),
		clock: clk,
		log:   log,
	}
}

// AcquireUser locks an unlocked display for clientID.
func (a *Arbiter) AcquireUser(key surface.Key, clientID, name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if current, ok := a.locks[key]; ok {
		a.log.Debug("%s: user lock for %s refused, held by %s (%s)", key, clientID, current.HolderID, current.Type)
		return false
	}

	a.setLocked(key, &Info{
		Type:       TypeUser,
		HolderID:   clientID,
		HolderName: name,
		AcquiredAt: a.now(),
	})
	return true
}

// AcquireWorkflow locks the display for a workflow started by
// ownerClientID. It replaces a user lock and fails on a workflow lock.
func (a *Arbiter) AcquireWorkflow(key surface.Key, workflowID, name, ownerClientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if current, ok := a.locks[key]; ok && current.Type == TypeWorkflow {
		a.log.Debug("%s: workflow lock for %s refused, workflow %s running", key, workflowID, current.HolderID)
		return false
	}

	a.setLocked(key, &Info{
		Type:          TypeWorkflow,
		HolderID:      workflowID,
		HolderName:    name,
		OwnerClientID: ownerClientID,
		AcquiredAt:    a.now(),
	})
	return true
}

// Release unlocks the display if holderID holds the lock. For workflow
// locks holderID is the workflow id.
func (a *Arbiter) Release(key surface.Key, holderID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, ok := a.locks[key]
	if !ok || current.HolderID != holderID {
		return false
	}

	a.clearLocked(key)
	return true
}

// ReleaseWorkflow unlocks the workflow lock of workflowID if it was started
// by ownerClientID.
func (a *Arbiter) ReleaseWorkflow(key surface.Key, workflowID, ownerClientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, ok := a.locks[key]
	if !ok || current.Type != TypeWorkflow || current.HolderID != workflowID || current.OwnerClientID != ownerClientID {
		return false
	}

	a.clearLocked(key)
	return true
}

// ReleaseOwned unlocks the display if clientID controls it: a user lock it
// holds or a workflow lock it started.
func (a *Arbiter) ReleaseOwned(key surface.Key, clientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.locks[key].HeldBy(clientID) {
		return false
	}

	a.clearLocked(key)
	return true
}

// ForceUnlock takes a user lock over for newClientID. Workflow locks and
// unlocked displays are left alone.
func (a *Arbiter) ForceUnlock(key surface.Key, newClientID, newName string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, ok := a.locks[key]
	if !ok || current.Type != TypeUser {
		return false
	}

	a.log.Info("%s: %s took control from %s", key, newClientID, current.HolderID)
	a.setLocked(key, &Info{
		Type:       TypeUser,
		HolderID:   newClientID,
		HolderName: newName,
		AcquiredAt: a.now(),
	})
	return true
}

// EmergencyUnlock clears any lock on the display.
func (a *Arbiter) EmergencyUnlock(key surface.Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, ok := a.locks[key]
	if !ok {
		return false
	}

	a.log.Warn("%s: emergency unlock of %s lock held by %s", key, current.Type, current.HolderID)
	a.clearLocked(key)
	return true
}

// Lock returns a copy of the lock on key, or nil.
func (a *Arbiter) Lock(key surface.Key) *Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyInfo(a.locks[key])
}

// IsLockHolder reports whether clientID controls key.
func (a *Arbiter) IsLockHolder(key surface.Key, clientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locks[key].HeldBy(clientID)
}

// Subscribe registers fn for every Changed event.
func (a *Arbiter) Subscribe(fn func(Changed)) *event.Subscription {
	return a.bus.Subscribe(fn)
}

// Watch subscribes fn to the events of key and immediately delivers the
// current lock of key. No event can slip between the two.
func (a *Arbiter) Watch(key surface.Key, fn func(Changed)) *event.Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub := a.bus.Subscribe(func(ev Changed) {
		if ev.Key == key {
			fn(ev)
		}
	})
	fn(Changed{Key: key, Lock: copyInfo(a.locks[key])})
	return sub
}

// Reset drops every lock and listener.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locks = make(map[surface.Key]*Info)
	a.bus.Clear()
}

func (a *Arbiter) setLocked(key surface.Key, info *Info) {
	a.locks[key] = info
	a.log.Debug("%s: %s lock -> %s (%s)", key, info.Type, info.HolderID, info.HolderName)
	a.bus.Publish(Changed{Key: key, Lock: copyInfo(info)})
}

func (a *Arbiter) clearLocked(key surface.Key) {
	delete(a.locks, key)
	a.log.Debug("%s: unlocked", key)
	a.bus.Publish(Changed{Key: key})
}

func (a *Arbiter) now() int64 {
	return a.clock.Now().UnixMilli()
}

func copyInfo(i *Info) *Info {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
