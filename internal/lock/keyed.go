// Package lock provides per-key reader/writer locks.
package lock

import "sync"

// Keyed hands out one RWMutex per key. Entries live for the process lifetime; the key
// space is the set of projects, which is small enough to keep resident.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewKeyed constructs an empty Keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.RWMutex)}
}

func (k *Keyed) get(key string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		k.locks[key] = l
	}
	return l
}

// Lock acquires the writer lock for key and returns its release func.
func (k *Keyed) Lock(key string) func() {
	l := k.get(key)
	l.Lock()
	return l.Unlock
}

// RLock acquires a reader lock for key and returns its release func.
func (k *Keyed) RLock(key string) func() {
	l := k.get(key)
	l.RLock()
	return l.RUnlock
}
