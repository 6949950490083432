// Package queue provides per-key command serialization. Commands sharing a
// key (typically a session id) run strictly one at a time, while commands for
// different keys proceed independently. Entries are created lazily and
// removed once the last waiter releases, so an idle group holds no state.
package queue

import (
	"context"
	"sync"
)

// Group serializes functions by key.
type Group struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch      chan struct{} // holds one token when the key is free
	waiters int
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{
		locks: make(map[string]*keyLock),
	}
}

// Do runs fn while holding the exclusive slot for key. Calls with the same
// key are totally ordered; fn never runs concurrently with another fn for
// the same key. If ctx is done before the slot is acquired, fn does not run
// and the context error is returned.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	kl := g.acquireRef(key)

	select {
	case <-kl.ch:
		// slot acquired
	case <-ctx.Done():
		g.releaseRef(key, kl, false)
		return ctx.Err()
	}

	// Release via defer so a panicking fn cannot wedge the key's slot.
	defer g.releaseRef(key, kl, true)
	return fn(ctx)
}

// Len reports the number of keys with in-flight or queued commands.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

func (g *Group) acquireRef(key string) *keyLock {
	g.mu.Lock()
	defer g.mu.Unlock()

	kl, ok := g.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		kl.ch <- struct{}{}
		g.locks[key] = kl
	}
	kl.waiters++
	return kl
}

func (g *Group) releaseRef(key string, kl *keyLock, held bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if held {
		kl.ch <- struct{}{}
	}
	kl.waiters--
	if kl.waiters == 0 {
		delete(g.locks, key)
	}
}
