package tools

import (
	"sync"
	"testing"
)

func TestKeyedMutex_LockUnlock(t *testing.T) {
	km := NewKeyedMutex()

	key := "campaign-1"
	km.Lock(key)
	km.Unlock(key)

	if _, ok := km.locks[key]; ok {
		t.Errorf("expected entry for key %s to be removed after unlock", key)
	}
}

func TestKeyedMutex_TryLocked(t *testing.T) {
	km := NewKeyedMutex()

	key := "campaign-1"
	if !km.TryLocked(key) {
		t.Errorf("expected TryLocked to succeed for key %s", key)
	}

	if km.TryLocked(key) {
		t.Errorf("expected TryLocked to fail while key %s is held", key)
	}

	km.Unlock(key)
	if !km.TryLocked(key) {
		t.Errorf("expected TryLocked to succeed for key %s after unlock", key)
	}
}

func TestKeyedMutex_ConcurrentAccess(t *testing.T) {
	km := NewKeyedMutex()
	key := "campaign-1"
	var wg sync.WaitGroup

	itr := 1000
	counter := 0

	for i := 0; i < itr; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock(key)
			counter++
			km.Unlock(key)
		}()
	}

	wg.Wait()

	if counter != itr {
		t.Errorf("expected counter to be %d, got %d", itr, counter)
	}
}

func TestKeyedMutex_Locked(t *testing.T) {
	km := NewKeyedMutex()

	key := "campaign-1"
	if km.Locked(key) {
		t.Errorf("expected key %s to be initially unlocked", key)
	}

	km.Lock(key)
	if !km.Locked(key) {
		t.Errorf("expected key %s to be locked", key)
	}

	km.Unlock(key)
	if km.Locked(key) {
		t.Errorf("expected key %s to be unlocked after unlock", key)
	}
}
