package kmutex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithLock_MutualExclusion(t *testing.T) {
	m := New()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock(ctx, "ws-1", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInside); got != 1 {
		t.Errorf("critical section concurrency = %d, want 1", got)
	}
	if m.Len() != 0 {
		t.Errorf("expected no lock entries after release, got %d", m.Len())
	}
}

func TestWithLock_FIFOOrder(t *testing.T) {
	m := New()
	ctx := context.Background()

	// Hold the lock while the waiters queue up so arrival order is fixed.
	holding := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		_ = m.WithLock(ctx, "k", func() error {
			close(holding)
			<-holderDone
			return nil
		})
	}()
	<-holding

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = m.WithLock(ctx, "k", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each waiter time to enqueue before the next arrives.
		time.Sleep(10 * time.Millisecond)
	}

	close(holderDone)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d (full order %v)", i, got, i, order)
		}
	}
}

func TestWithLock_IndependentKeys(t *testing.T) {
	m := New()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.WithLock(ctx, "a", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = m.WithLock(ctx, "b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked by holder of key a")
	}
	close(release)
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	m := New()
	ctx := context.Background()

	wantErr := errors.New("boom")
	if err := m.WithLock(ctx, "k", func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	// The lock must be free again.
	done := make(chan struct{})
	go func() {
		_ = m.WithLock(ctx, "k", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not released after error")
	}
}

func TestWithLock_ContextCanceledWhileWaiting(t *testing.T) {
	m := New()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), "k", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.WithLock(ctx, "k", func() error {
			t.Error("fn ran despite canceled context")
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// A waiter queued behind the canceled one must still acquire the lock.
	done := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), "k", func() error { return nil })
		close(done)
	}()
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("later waiter starved after a canceled waiter")
	}
}
