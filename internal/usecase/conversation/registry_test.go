package conversation

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestSessionRegistryBasic(t *testing.T) {
	r := NewSessionRegistry()

	slot, ok := r.TryAcquire("session-1")
	if !ok {
		t.Fatal("TryAcquire on a free session failed")
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", r.ActiveCount())
	}

	r.Release("session-1", slot, nil)

	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount after release = %d, want 0", r.ActiveCount())
	}
	select {
	case <-slot.Done():
	default:
		t.Error("Done not closed after release")
	}
}

func TestSessionRegistryFailsFast(t *testing.T) {
	r := NewSessionRegistry()

	slot, _ := r.TryAcquire("session-1")
	if _, ok := r.TryAcquire("session-1"); ok {
		t.Fatal("second TryAcquire on a driven session succeeded")
	}
	if _, ok := r.TryAcquire("session-2"); !ok {
		t.Fatal("different sessions must not contend")
	}

	r.Release("session-1", slot, nil)
	if _, ok := r.TryAcquire("session-1"); !ok {
		t.Fatal("TryAcquire after release failed")
	}
}

func TestSessionRegistryConcurrentClaims(t *testing.T) {
	r := NewSessionRegistry()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.TryAcquire("hot"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestSessionRegistryLastError(t *testing.T) {
	r := NewSessionRegistry()
	boom := errors.New("boom")

	slot, _ := r.TryAcquire("s")
	r.Release("s", slot, boom)
	if !errors.Is(r.LastError("s"), boom) {
		t.Fatalf("LastError = %v, want boom", r.LastError("s"))
	}

	// A new drive forgets the previous outcome.
	slot, _ = r.TryAcquire("s")
	if r.LastError("s") != nil {
		t.Fatalf("LastError after new claim = %v", r.LastError("s"))
	}
	r.Release("s", slot, nil)
}

func TestSessionRegistryStaleRelease(t *testing.T) {
	r := NewSessionRegistry()

	old, _ := r.TryAcquire("s")
	r.Release("s", old, nil)
	current, _ := r.TryAcquire("s")

	r.Release("s", old, errors.New("late"))
	if got, ok := r.Lookup("s"); !ok || got != current {
		t.Fatal("stale release evicted the current slot")
	}
	r.Release("s", current, nil)
}

func TestDriveSlotCancelFlag(t *testing.T) {
	r := NewSessionRegistry()
	slot, _ := r.TryAcquire("s")

	if slot.CancelRequested() {
		t.Fatal("fresh slot reports cancel")
	}
	slot.RequestCancel()
	if !slot.CancelRequested() {
		t.Fatal("cancel flag not set")
	}
}
