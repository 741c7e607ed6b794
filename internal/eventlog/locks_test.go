package eventlog

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestContextLocks_SameContextBlocks verifies that locking the same context blocks concurrent access.
func TestContextLocks_SameContextBlocks(t *testing.T) {
	locks := newContextLocks()
	orderChan := make(chan int, 2)

	go func() {
		locks.Lock("ctx-1")
		orderChan <- 1
		time.Sleep(50 * time.Millisecond)
		locks.Unlock("ctx-1")
	}()

	time.Sleep(10 * time.Millisecond)

	go func() {
		locks.Lock("ctx-1")
		orderChan <- 2
		locks.Unlock("ctx-1")
	}()

	first := <-orderChan
	second := <-orderChan
	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

// TestContextLocks_DifferentContextsConcurrent verifies that different contexts don't block each other.
func TestContextLocks_DifferentContextsConcurrent(t *testing.T) {
	locks := newContextLocks()
	var wg sync.WaitGroup
	var aLocked, bLocked atomic.Bool

	locks.Lock("ctx-a")
	wg.Add(1)
	go func() {
		defer wg.Done()
		locks.Lock("ctx-b")
		bLocked.Store(true)
		locks.Unlock("ctx-b")
	}()
	aLocked.Store(true)
	wg.Wait()
	locks.Unlock("ctx-a")

	if !aLocked.Load() || !bLocked.Load() {
		t.Error("locking ctx-b blocked behind ctx-a")
	}
}

// TestContextLocks_NoLeak verifies finished contexts leave no mutex behind.
func TestContextLocks_NoLeak(t *testing.T) {
	locks := newContextLocks()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock("ctx")
			locks.Unlock("ctx")
		}()
	}
	wg.Wait()

	if n := locks.size(); n != 0 {
		t.Errorf("expected no retained locks, got %d", n)
	}

	// Unlocking an unknown context is a no-op.
	locks.Unlock("never-locked")
}
