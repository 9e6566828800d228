package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	m := New()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("bia")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, m.Len())
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := New()
	unlockA := m.Lock("ana")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("bia")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	m := New()
	unlock := m.Lock("ana")
	unlock()
	unlock()

	assert.Zero(t, m.Len())
	m.Lock("ana")()
}
