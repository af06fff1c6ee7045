package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/chatcoord/internal/ephemeral"
)

func TestAcquireRelease(t *testing.T) {
	store := ephemeral.NewMem()
	l := New(store, time.Second, 5*time.Millisecond)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "lock:c1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Lock must be acquirable again after release.
	h2, err := l.Acquire(ctx, "lock:c1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	_ = h2.Release(ctx)
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	store := ephemeral.NewMem()
	l := New(store, time.Second, 5*time.Millisecond)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "lock:c1")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		h2, err := l.Acquire(context.Background(), "lock:c1")
		if err != nil {
			t.Errorf("second acquire failed: %v", err)
			return
		}
		_ = h2.Release(context.Background())
		close(acquired)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second acquire should not have succeeded before release")
	default:
	}

	if err := h.Release(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not complete after release")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	store := ephemeral.NewMem()
	l := New(store, time.Minute, 5*time.Millisecond)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "lock:c1")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release(ctx)

	deadline, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(deadline, "lock:c1")
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestReleaseIsFencedAgainstStaleHandle(t *testing.T) {
	store := ephemeral.NewMem()
	l := New(store, 10*time.Millisecond, time.Millisecond)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "lock:c1")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the lease expiring and a new holder acquiring the lock.
	time.Sleep(20 * time.Millisecond)
	h2, err := l.Acquire(ctx, "lock:c1")
	if err != nil {
		t.Fatal(err)
	}

	// The original (stale) handle must not be able to delete h2's lock.
	if err := h.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if v, err := store.Get(ctx, "lock:c1"); err != nil || v == "" {
		t.Errorf("expected h2's lock to still be held, got value %q, err %v", v, err)
	}
	_ = h2.Release(ctx)
}

func TestOnlyOneGoroutineHoldsLockAtATime(t *testing.T) {
	store := ephemeral.NewMem()
	l := New(store, time.Second, time.Millisecond)

	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			h, err := l.Acquire(ctx, "lock:c1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxActive) {
				atomic.StoreInt32(&maxActive, n)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			_ = h.Release(context.Background())
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most 1 concurrent holder, observed %d", maxActive)
	}
}
