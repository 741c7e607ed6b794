package eventlog

import (
	"sync"
)

// contextLocks provides per-context mutual exclusion for appends. Each
// context id gets its own mutex, so appends to different tasks proceed
// concurrently while appends to the same task are serialized.
type contextLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newContextLocks() *contextLocks {
	return &contextLocks{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex of contextID, creating it on first use.
func (c *contextLocks) Lock(contextID string) {
	c.mu.Lock()
	m, ok := c.locks[contextID]
	if !ok {
		m = &refMutex{}
		c.locks[contextID] = m
	}
	m.refs++
	c.mu.Unlock()

	// Acquire outside the map lock so other contexts are not blocked.
	m.Lock()
}

// Unlock releases the mutex of contextID. The entry is dropped once no
// goroutine holds or waits for it, so finished tasks leave nothing behind.
func (c *contextLocks) Unlock(contextID string) {
	c.mu.Lock()
	m, ok := c.locks[contextID]
	if ok {
		m.refs--
		if m.refs == 0 {
			delete(c.locks, contextID)
		}
	}
	c.mu.Unlock()

	if ok {
		m.Unlock()
	}
}

func (c *contextLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
