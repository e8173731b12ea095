// Package store provides the reference Store Adapter: a synchronous,
// reducer-driven container for committed state. The update path is pure —
// reducers compute next state from current state and an action, and the
// store only swaps the committed snapshot.
package store

import (
	"sync"

	"github.com/0ZTR/logistics-wizard/saga"
)

// Reducer computes next state from current state and an action. Reducers
// must be total and side-effect-free, and must return the input state
// unchanged for action types they do not handle.
type Reducer[S any] func(state S, action saga.Action) S

// Store holds committed state of type S behind a synchronous dispatch.
// It satisfies saga.StoreAdapter for any S.
type Store[S any] struct {
	mu        sync.RWMutex
	state     S
	reducer   Reducer[S]
	listeners map[int]func(S)
	nextSub   int
}

// New builds a store with the given root reducer and initial state.
func New[S any](reducer Reducer[S], initial S) *Store[S] {
	return &Store[S]{
		state:     initial,
		reducer:   reducer,
		listeners: make(map[int]func(S)),
	}
}

// Dispatch reduces the action into committed state and notifies listeners
// with the new snapshot. The reduction is synchronous: when Dispatch
// returns, the update is visible to every subsequent State call. A
// panicking reducer propagates to the caller; reducers are required to be
// total.
func (s *Store[S]) Dispatch(action saga.Action) {
	next, listeners := s.reduce(action)
	for _, fn := range listeners {
		fn(next)
	}
}

// reduce holds the lock only around the reducer call and the listener
// snapshot. The deferred unlock keeps the store usable even when the
// reducer panics: the panic still propagates to the Dispatch caller, but
// the mutex is released first.
func (s *Store[S]) reduce(action saga.Action) (S, []func(S)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.reducer(s.state, action)
	listeners := make([]func(S), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	return s.state, listeners
}

// State returns the committed snapshot.
func (s *Store[S]) State() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// GetState satisfies saga.StoreAdapter.
func (s *Store[S]) GetState() any {
	return s.State()
}

// Subscribe registers a listener invoked with every new snapshot after a
// dispatch. The returned function unsubscribes it; calling it more than
// once is a no-op.
func (s *Store[S]) Subscribe(listener func(S)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

var _ saga.StoreAdapter = (*Store[any])(nil)
