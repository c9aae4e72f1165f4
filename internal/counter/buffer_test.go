package counter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBufferAddAndDelta(t *testing.T) {
	b := newWriteBuffer()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.add(ctx, "home", 1); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	d, err := b.delta(ctx, "home")
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if d != 3 {
		t.Errorf("delta(home) = %d, want 3", d)
	}

	d, err = b.delta(ctx, "about")
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if d != 0 {
		t.Errorf("delta(about) = %d, want 0", d)
	}
	if b.len() != 1 {
		t.Errorf("len = %d, want 1", b.len())
	}
}

func TestBufferFlush(t *testing.T) {
	b := newWriteBuffer()
	store := newFakeStore()
	ctx := context.Background()

	if err := b.add(ctx, "home", 5); err != nil {
		t.Fatalf("add: %v", err)
	}

	n, err := b.flush(ctx, "home", store)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 5 {
		t.Errorf("flushed = %d, want 5", n)
	}
	if got := store.count("home"); got != 5 {
		t.Errorf("backend count = %d, want 5", got)
	}
	if b.len() != 0 {
		t.Errorf("len after flush = %d, want 0", b.len())
	}

	// A key with nothing buffered flushes to zero without a backend call.
	n, err = b.flush(ctx, "home", store)
	if err != nil {
		t.Fatalf("flush empty: %v", err)
	}
	if n != 0 {
		t.Errorf("flushed = %d, want 0", n)
	}
}

func TestBufferFlushFailureRetainsDelta(t *testing.T) {
	b := newWriteBuffer()
	store := newFakeStore()
	ctx := context.Background()

	if err := b.add(ctx, "home", 4); err != nil {
		t.Fatalf("add: %v", err)
	}

	boom := errors.New("backend down")
	store.setIncrErr(boom)
	if _, err := b.flush(ctx, "home", store); !errors.Is(err, boom) {
		t.Fatalf("flush err = %v, want %v", err, boom)
	}

	d, err := b.delta(ctx, "home")
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if d != 4 {
		t.Errorf("delta after failed flush = %d, want 4", d)
	}

	store.setIncrErr(nil)
	n, err := b.flush(ctx, "home", store)
	if err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if n != 4 {
		t.Errorf("retried flush = %d, want 4", n)
	}
	if got := store.count("home"); got != 4 {
		t.Errorf("backend count = %d, want 4", got)
	}
}

func TestBufferAddAfterFlushStartsFresh(t *testing.T) {
	b := newWriteBuffer()
	store := newFakeStore()
	ctx := context.Background()

	if err := b.add(ctx, "home", 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := b.flush(ctx, "home", store); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := b.add(ctx, "home", 1); err != nil {
		t.Fatalf("add after flush: %v", err)
	}
	d, err := b.delta(ctx, "home")
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if d != 1 {
		t.Errorf("delta = %d, want 1 (increment landed in a detached entry)", d)
	}
}

func TestBufferAddHonorsContext(t *testing.T) {
	b := newWriteBuffer()
	ctx := context.Background()

	if err := b.add(ctx, "home", 1); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Hold the key lock like an in-flight flush stuck on a slow backend.
	e := b.peek("home")
	if err := e.lock.lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer e.lock.unlock()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := b.add(short, "home", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("add err = %v, want deadline exceeded", err)
	}
	if _, err := b.flush(short, "home", newFakeStore()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("flush err = %v, want deadline exceeded", err)
	}
}

// TestBufferConcurrentAddsAndFlushes hammers one key with adds while the
// main goroutine flushes in a loop. Every increment must end up in the
// backend exactly once.
func TestBufferConcurrentAddsAndFlushes(t *testing.T) {
	b := newWriteBuffer()
	store := newFakeStore()
	ctx := context.Background()

	const goroutines = 8
	const perGoroutine = 200
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if err := b.add(ctx, "home", 1); err != nil {
					t.Errorf("add: %v", err)
					return
				}
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for flushing := true; flushing; {
		select {
		case <-done:
			flushing = false
		default:
		}
		if _, err := b.flush(ctx, "home", store); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
	// Final sweep for increments that raced past the last flush.
	if _, err := b.flush(ctx, "home", store); err != nil {
		t.Fatalf("final flush: %v", err)
	}

	if got := store.count("home"); got != goroutines*perGoroutine {
		t.Errorf("backend count = %d, want %d", got, goroutines*perGoroutine)
	}
	if b.len() != 0 {
		t.Errorf("len = %d, want 0", b.len())
	}
}
