package lock

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	tbl := New()
	key := Key("bkt", "obj")

	var mu sync.Mutex
	counter := 0
	maxObserved := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Lock(key)
			defer tbl.Unlock(key)

			mu.Lock()
			counter++
			if counter > maxObserved {
				maxObserved = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxObserved != 1 {
		t.Fatalf("max concurrent holders = %d, want 1 (lock did not serialize)", maxObserved)
	}
}

func TestLockDoesNotSerializeDifferentKeys(t *testing.T) {
	tbl := New()

	tbl.Lock(Key("bkt", "a"))
	done := make(chan struct{})
	go func() {
		tbl.Lock(Key("bkt", "b"))
		tbl.Unlock(Key("bkt", "b"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on a different key blocked unexpectedly")
	}
	tbl.Unlock(Key("bkt", "a"))
}

func TestUnlockEvictsEntry(t *testing.T) {
	tbl := New()
	key := Key("bkt", "obj")

	tbl.Lock(key)
	tbl.Unlock(key)

	tbl.mu.Lock()
	_, exists := tbl.entries[key]
	tbl.mu.Unlock()
	if exists {
		t.Fatalf("expected entry to be evicted after last Unlock")
	}
}
