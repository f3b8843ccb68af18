package promotion

import (
	"fmt"
	"sync"
)

// Locker serializes work on a key.
type Locker interface {
	Lock(key string) (unlock func())
}

// LockKey is the serialization key for clustering, scoring and promotion
// of one (kind, level). Theta couples every dimension of a level, so the
// key spans all of them.
func LockKey(kind string, level int) string {
	return fmt.Sprintf("%s#%d", kind, level)
}

// KeyedMutex hands out one mutex per key, dropping it once unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty lock table.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refMutex)}
}

// Lock implements Locker.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unlock()
			k.mu.Lock()
			m.refs--
			if m.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len returns the number of live keys.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
