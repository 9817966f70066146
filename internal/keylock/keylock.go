// Package keylock serializes operations on individual (app, depot) keys.
// Injection and apply must never run concurrently against the same key;
// distinct keys proceed in parallel.
package keylock

import (
	"fmt"
	"sync"
)

// Set is a collection of named mutexes, created on first use.
type Set struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty lock set.
func New() *Set {
	return &Set{locks: make(map[string]*sync.Mutex)}
}

// Key builds the canonical lock key for an app/depot pair.
func Key(appID, depotID int) string {
	return fmt.Sprintf("%d:%d", appID, depotID)
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *Set) Lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
