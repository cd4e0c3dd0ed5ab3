package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquire_Uncontended(t *testing.T) {
	l := New(Options{})
	release, err := l.Acquire(context.Background(), "k1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !l.Held("k1") {
		t.Fatal("lock should be held")
	}
	release()
	if l.Held("k1") {
		t.Fatal("lock should be free after release")
	}
}

func TestAcquire_FIFOOrder(t *testing.T) {
	l := New(Options{})
	release, err := l.Acquire(context.Background(), "k1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const waiters = 5
	order := make(chan int, waiters)
	var ready sync.WaitGroup
	for i := 0; i < waiters; i++ {
		ready.Add(1)
		go func(n int) {
			// Stagger enqueue so queue order is deterministic.
			time.Sleep(time.Duration(n*20) * time.Millisecond)
			ready.Done()
			rel, err := l.Acquire(context.Background(), "k1", 5*time.Second)
			if err != nil {
				t.Errorf("waiter %d: %v", n, err)
				return
			}
			order <- n
			rel()
		}(i)
	}
	ready.Wait()
	// Let the last waiter actually enqueue.
	for l.WaiterCount("k1") < waiters {
		time.Sleep(5 * time.Millisecond)
	}
	release()

	for want := 0; want < waiters; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("grant order: got waiter %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for waiter %d", want)
		}
	}
}

func TestAcquire_WaiterTimeout(t *testing.T) {
	l := New(Options{})
	release, err := l.Acquire(context.Background(), "k1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	start := time.Now()
	_, err = l.Acquire(context.Background(), "k1", 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v, want ~50ms", elapsed)
	}
	if l.WaiterCount("k1") != 0 {
		t.Fatalf("waiter count = %d, want 0 after timeout", l.WaiterCount("k1"))
	}
}

func TestAcquire_ZeroTimeout(t *testing.T) {
	l := New(Options{})

	// Free lock: immediate grant.
	release, err := l.Acquire(context.Background(), "k1", 0)
	if err != nil {
		t.Fatalf("acquire free lock with zero timeout: %v", err)
	}

	// Held lock: immediate timeout, no queueing.
	if _, err := l.Acquire(context.Background(), "k1", 0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	release()
}

func TestRelease_Idempotent(t *testing.T) {
	l := New(Options{})
	release, err := l.Acquire(context.Background(), "k1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release() // second release is ignored

	// A stale release must not free a newer holder.
	rel2, err := l.Acquire(context.Background(), "k1", time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	release()
	if !l.Held("k1") {
		t.Fatal("stale release freed the lock")
	}
	rel2()
}

func TestOwnerDeath_ReleasesLock(t *testing.T) {
	l := New(Options{})
	ownerCtx, ownerCancel := context.WithCancel(context.Background())
	if _, err := l.Acquire(ownerCtx, "k1", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	granted := make(chan struct{})
	go func() {
		rel, err := l.Acquire(context.Background(), "k1", 5*time.Second)
		if err != nil {
			t.Errorf("waiter: %v", err)
			return
		}
		close(granted)
		rel()
	}()

	// Wait for the waiter to enqueue, then kill the owner.
	for l.WaiterCount("k1") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	ownerCancel()

	select {
	case <-granted:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not granted after owner death")
	}
}

func TestStaleReap(t *testing.T) {
	l := New(Options{MaxAge: 50 * time.Millisecond})
	if _, err := l.Acquire(context.Background(), "k1", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for l.Held("k1") {
		if time.Now().After(deadline) {
			t.Fatal("stale holder never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisabledMode(t *testing.T) {
	l := New(Options{Disabled: true})
	r1, err := l.Acquire(context.Background(), "k1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	r2, err := l.Acquire(context.Background(), "k1", 0)
	if err != nil {
		t.Fatalf("second acquire while disabled: %v", err)
	}
	r1()
	r2()
}

func TestAcquire_IndependentKeys(t *testing.T) {
	l := New(Options{})
	r1, err := l.Acquire(context.Background(), "k1", 0)
	if err != nil {
		t.Fatalf("k1: %v", err)
	}
	r2, err := l.Acquire(context.Background(), "k2", 0)
	if err != nil {
		t.Fatalf("k2 should not contend with k1: %v", err)
	}
	r1()
	r2()
}

func TestAcquire_EveryGrantMatchedByRelease(t *testing.T) {
	l := New(Options{})
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.Acquire(context.Background(), "k1", 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			rel()
		}()
	}
	wg.Wait()
	if l.Held("k1") {
		t.Fatal("lock leaked after all goroutines released")
	}
	if l.WaiterCount("k1") != 0 {
		t.Fatalf("waiters leaked: %d", l.WaiterCount("k1"))
	}
}
