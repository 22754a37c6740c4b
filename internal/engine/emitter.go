package engine

import (
	"sync"
	"sync/atomic"
)

type handler[T any] struct {
	id uint64
	fn func(T)
}

// Emitter fans a value out to its subscribers, in subscription order, on the
// goroutine that calls Emit.
type Emitter[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []handler[T]
}

// Subscription is returned by Subscribe and Once. Dispose is idempotent.
type Subscription struct {
	once    sync.Once
	dispose func()
}

// Dispose removes the subscription from its emitter
func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.once.Do(s.dispose)
}

// Subscribe registers fn for every future Emit
func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, handler[T]{id: id, fn: fn})
	return &Subscription{dispose: func() { e.remove(id) }}
}

// Once registers fn for the next Emit only. The subscription disposes itself
// before fn runs, so fn never sees a second value.
func (e *Emitter[T]) Once(fn func(T)) *Subscription {
	var fired atomic.Bool
	var sub *Subscription
	ready := make(chan struct{})

	sub = e.Subscribe(func(v T) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		<-ready
		sub.Dispose()
		fn(v)
	})
	close(ready)
	return sub
}

// Emit delivers v to a snapshot of the current subscribers
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	handlers := make([]handler[T], len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	for _, h := range handlers {
		h.fn(v)
	}
}

// Len returns the number of live subscriptions
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// Clear drops every subscription
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}
