package counter

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeStore is an in-process Store with switchable failure modes.
type fakeStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	incrErr error
	getErr  error
	incrs   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[string]int64)}
}

func (s *fakeStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrErr != nil {
		return 0, s.incrErr
	}
	s.incrs++
	s.counts[key] += delta
	return s.counts[key], nil
}

func (s *fakeStore) GetCount(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return 0, false, s.getErr
	}
	n, ok := s.counts[key]
	return n, ok, nil
}

func (s *fakeStore) count(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

func (s *fakeStore) setIncrErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrErr = err
}

func (s *fakeStore) setGetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

func newTestEngine(t *testing.T, store Store, cfg Config) *Engine {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	e := NewEngine(store, cfg)
	e.Start()
	t.Cleanup(func() {
		if err := e.Close(context.Background()); err != nil {
			t.Errorf("close engine: %v", err)
		}
	})
	return e
}

func TestEngineDefaults(t *testing.T) {
	e := NewEngine(newFakeStore(), Config{Logger: zerolog.Nop()})
	defer e.Close(context.Background())

	if e.flushInterval != DefaultFlushInterval {
		t.Errorf("flushInterval = %v, want %v", e.flushInterval, DefaultFlushInterval)
	}
	if e.cache.ttl != DefaultCacheTTL {
		t.Errorf("cache ttl = %v, want %v", e.cache.ttl, DefaultCacheTTL)
	}
	wantWorkers := runtime.GOMAXPROCS(0) * 2
	if e.pool.workerCount != wantWorkers {
		t.Errorf("workers = %d, want %d", e.pool.workerCount, wantWorkers)
	}
	if got := e.pool.GetQueueCapacity(); got != wantWorkers*100 {
		t.Errorf("queue capacity = %d, want %d", got, wantWorkers*100)
	}
}

func TestEngineGetSources(t *testing.T) {
	store := newFakeStore()
	// Hour-long flush interval so only reads move data in this test.
	e := newTestEngine(t, store, Config{FlushInterval: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.Increment(ctx, "home"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	// First read misses the cache, flushes the buffer and hits the backend.
	count, src, err := e.Get(ctx, "home")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if count != 3 || src != SourceRedis {
		t.Errorf("first get = (%d, %q), want (3, %q)", count, src, SourceRedis)
	}
	if got := store.count("home"); got != 3 {
		t.Errorf("backend count after read = %d, want 3", got)
	}

	// Second read is served by the still fresh cache.
	count, src, err = e.Get(ctx, "home")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if count != 3 || src != SourceMemory {
		t.Errorf("second get = (%d, %q), want (3, %q)", count, src, SourceMemory)
	}

	// New increments stack on top of the cached base without a flush.
	for i := 0; i < 2; i++ {
		if err := e.Increment(ctx, "home"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	count, src, err = e.Get(ctx, "home")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if count != 5 || src != SourceMemory {
		t.Errorf("buffered get = (%d, %q), want (5, %q)", count, src, SourceMemory)
	}
	if got := store.count("home"); got != 3 {
		t.Errorf("backend count = %d, want 3 (buffered delta must not flush on cache hit)", got)
	}
}

func TestEngineGetUnknownPage(t *testing.T) {
	e := newTestEngine(t, newFakeStore(), Config{FlushInterval: time.Hour})

	count, src, err := e.Get(context.Background(), "never-visited")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if count != 0 || src != SourceRedis {
		t.Errorf("get = (%d, %q), want (0, %q)", count, src, SourceRedis)
	}
}

func TestEngineFlushFailureRetainsDelta(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, Config{FlushInterval: time.Hour})
	ctx := context.Background()

	boom := errors.New("backend down")
	store.setIncrErr(boom)

	if err := e.Increment(ctx, "home"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, _, err := e.Get(ctx, "home"); !errors.Is(err, boom) {
		t.Fatalf("get during outage: err = %v, want %v", err, boom)
	}

	// The failed flush must keep the delta buffered for the retry.
	store.setIncrErr(nil)
	count, src, err := e.Get(ctx, "home")
	if err != nil {
		t.Fatalf("get after recovery: %v", err)
	}
	if count != 1 || src != SourceRedis {
		t.Errorf("get after recovery = (%d, %q), want (1, %q)", count, src, SourceRedis)
	}
	if got := store.count("home"); got != 1 {
		t.Errorf("backend count = %d, want 1", got)
	}
}

func TestEngineReadFailureDoesNotPoisonCache(t *testing.T) {
	store := newFakeStore()
	store.counts["home"] = 7
	e := newTestEngine(t, store, Config{FlushInterval: time.Hour})
	ctx := context.Background()

	boom := errors.New("backend down")
	store.setGetErr(boom)
	if _, _, err := e.Get(ctx, "home"); !errors.Is(err, boom) {
		t.Fatalf("get during outage: err = %v, want %v", err, boom)
	}

	store.setGetErr(nil)
	count, src, err := e.Get(ctx, "home")
	if err != nil {
		t.Fatalf("get after recovery: %v", err)
	}
	if count != 7 || src != SourceRedis {
		t.Errorf("get = (%d, %q), want (7, %q); a failed read must not cache a zero", count, src, SourceRedis)
	}
}

func TestEnginePeriodicFlush(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, Config{FlushInterval: 20 * time.Millisecond})

	if err := e.Increment(context.Background(), "home"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count("home") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("backend count = %d after 2s, want 1", store.count("home"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineCloseFlushesBuffer(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, Config{FlushInterval: time.Hour, Logger: zerolog.Nop()})
	e.Start()
	ctx := context.Background()

	pages := map[string]int{"home": 5, "about": 2, "contact": 1}
	for page, visits := range pages {
		for i := 0; i < visits; i++ {
			if err := e.Increment(ctx, page); err != nil {
				t.Fatalf("increment %s: %v", page, err)
			}
		}
	}

	if err := e.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	for page, visits := range pages {
		if got := store.count(page); got != int64(visits) {
			t.Errorf("backend count for %s = %d, want %d", page, got, visits)
		}
	}
	if n := e.buffer.len(); n != 0 {
		t.Errorf("buffered keys after close = %d, want 0", n)
	}

	// Close is idempotent.
	if err := e.Close(ctx); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestEngineConcurrentIncrements(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, Config{FlushInterval: 10 * time.Millisecond, Logger: zerolog.Nop()})
	e.Start()

	const goroutines = 8
	const perGoroutine = 200
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if err := e.Increment(context.Background(), "home"); err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := store.count("home"); got != goroutines*perGoroutine {
		t.Errorf("backend count = %d, want %d (increments lost or duplicated)", got, goroutines*perGoroutine)
	}
}

func TestEngineStats(t *testing.T) {
	e := newTestEngine(t, newFakeStore(), Config{FlushInterval: time.Hour, FlushWorkers: 2, FlushQueueSize: 8})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.Increment(ctx, fmt.Sprintf("page-%d", i)); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	stats := e.Stats()
	if stats.BufferedKeys != 3 {
		t.Errorf("BufferedKeys = %d, want 3", stats.BufferedKeys)
	}
	if stats.QueueCapacity != 8 {
		t.Errorf("QueueCapacity = %d, want 8", stats.QueueCapacity)
	}
	if stats.DroppedTasks != 0 {
		t.Errorf("DroppedTasks = %d, want 0", stats.DroppedTasks)
	}
}
