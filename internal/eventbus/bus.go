// Package eventbus is an in-process publish/subscribe channel for
// cross-cutting signals between otherwise independent components, the
// main one being the authentication-changed signal that gates both the
// offline retry loop and the realtime connection lifecycle.
package eventbus

import (
	"sync"
)

type Topic string

const (
	// TopicAuthChanged fires whenever the host application logs a user
	// in or out. Payload is AuthChange.
	TopicAuthChanged Topic = "auth.changed"
)

// AuthChange is the payload published on TopicAuthChanged.
type AuthChange struct {
	Authenticated bool
}

type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus dispatches published payloads synchronously, in subscription
// order, to every handler registered for the topic. Handlers are copied
// out under the lock before invocation so a handler may subscribe or
// cancel without deadlocking.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Topic][]subscription
}

func New() *Bus {
	return &Bus{subs: map[Topic][]subscription{}}
}

// Subscribe registers a handler and returns a cancel function. A nil
// handler is ignored and yields a no-op cancel.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		current := b.subs[topic]
		for i, sub := range current {
			if sub.id == id {
				b.subs[topic] = append(current[:i:i], current[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	current := b.subs[topic]
	handlers := make([]Handler, 0, len(current))
	for _, sub := range current {
		handlers = append(handlers, sub.handler)
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}
