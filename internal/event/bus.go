// Package event provides a small synchronous publish/subscribe bus used by
// the session registry and the lock arbiter to notify connected viewers.
package event

import (
	"sync"

	"github.com/codefionn/scrcpyhub/internal/logger"
)

// Handler receives published events.
type Handler[T any] func(T)

// Bus delivers events of type T to subscribers synchronously, in the
// order they subscribed. A panicking handler is logged and does not
// prevent delivery to the remaining handlers.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
	name   string
}

type subscriber[T any] struct {
	id      uint64
	handler Handler[T]
}

// Subscription is returned by Subscribe and removes the handler again.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// NewBus creates a bus. The name only appears in log output.
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers handler for every subsequent Publish.
func (b *Bus[T]) Subscribe(handler Handler[T]) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, handler: handler})
	b.mu.Unlock()

	return &Subscription{cancel: func() { b.remove(id) }}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish calls every handler registered at the time of the call.
// Handlers may subscribe or unsubscribe while being called.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeCall(s.handler, ev)
	}
}

func (b *Bus[T]) safeCall(handler Handler[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event bus %s: handler panicked: %v", b.name, r)
		}
	}()
	handler(ev)
}

// Len returns the number of registered handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Clear removes every handler.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
