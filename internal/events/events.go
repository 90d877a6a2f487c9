// Package events provides a minimal typed publish/subscribe mechanism.
//
// Services emit events on their own worker goroutines; subscribers that need
// single-threaded delivery (such as a UI) are responsible for marshaling the
// callback onto their own thread.
package events

import "sync"

// Emitter delivers values of type T to registered subscribers.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(T)
}

// Subscribe registers fn and returns a function that removes the
// subscription. fn is invoked synchronously on the goroutine calling Emit.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs == nil {
		e.subs = make(map[int]func(T))
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// Emit delivers v to every current subscriber.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	fns := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
