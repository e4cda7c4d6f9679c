package events

import (
	"sort"
	"sync"
)

// Handler reacts to a published value.
type Handler[T any] func(T)

// Bus is an in-process subscriber registry. Handlers are keyed by an
// assigned id so removal never depends on function identity.
type Bus[T any] struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[uint64]Handler[T]
}

// NewBus constructs an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subscribers: make(map[uint64]Handler[T])}
}

// Subscription removes its handler from the bus. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	remove func()
	id     uint64
}

func (s *Subscription) ID() uint64 { return s.id }

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.remove != nil {
			s.remove()
		}
	})
}

// Subscribe registers a handler and returns its subscription handle.
func (b *Bus[T]) Subscribe(handler Handler[T]) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = handler
	return &Subscription{id: id, remove: func() { b.remove(id) }}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Publish notifies subscribers in registration order. Handlers run
// synchronously on the caller's goroutine; a handler may unsubscribe itself.
func (b *Bus[T]) Publish(value T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler[T], 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subscribers[id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(value)
	}
}

// Len returns the number of registered handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
