// Package lock serializes sends to one destination across goroutines and,
// with Redis, across processes.
package lock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive hold on key. The returned func releases it
// and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Key builds the lock key for a tenant destination.
func Key(tenantID, destination string) string {
	return "dest:" + tenantID + ":" + destination
}

// KeyedMutex is an in-process Locker. Entries are dropped once nobody
// holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, s, false)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { k.release(key, s, true) }) }, nil
}

func (k *KeyedMutex) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}
