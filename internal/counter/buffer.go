package counter

import (
	"context"
	"sync"
)

// keyLock is a mutex that can be abandoned while waiting.
//
// A plain sync.Mutex cannot honor request cancellation: a caller stuck
// behind a flush that is waiting on a slow backend would block past its
// deadline. Locking through a channel lets acquisition race ctx.Done.
type keyLock chan struct{}

func newKeyLock() keyLock {
	return make(keyLock, 1)
}

func (l keyLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l keyLock) unlock() {
	<-l
}

// bufferEntry accumulates unflushed increments for one page key.
// pending and gone are guarded by lock.
type bufferEntry struct {
	lock    keyLock
	pending int64
	gone    bool // set when the entry has been flushed out of the map
}

// writeBuffer coalesces increments per page key until the flusher pushes
// them to the backend in one INCRBY.
//
// An entry exists only while its key has unflushed deltas: a successful
// flush removes it and the next increment starts a fresh one. Removal is
// the delicate part; a goroutine that looked up an entry just before the
// flusher removed it must not apply its increment to the orphan, or the
// delta would never be flushed. The gone flag closes that window: every
// operation checks it under the entry lock and retries against the map
// when the entry turned out to be detached.
type writeBuffer struct {
	mu      sync.Mutex
	entries map[string]*bufferEntry
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{entries: make(map[string]*bufferEntry)}
}

// entry returns the live entry for key, creating one if needed.
func (b *writeBuffer) entry(key string) *bufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		e = &bufferEntry{lock: newKeyLock()}
		b.entries[key] = e
	}
	return e
}

// peek returns the live entry for key or nil.
func (b *writeBuffer) peek(key string) *bufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[key]
}

// detach removes e from the map unless the key already points at a
// newer entry.
func (b *writeBuffer) detach(key string, e *bufferEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries[key] == e {
		delete(b.entries, key)
	}
}

// add accumulates delta for key. The only failure is ctx ending while
// waiting for the key lock.
func (b *writeBuffer) add(ctx context.Context, key string, delta int64) error {
	for {
		e := b.entry(key)
		if err := e.lock.lock(ctx); err != nil {
			return err
		}
		if e.gone {
			// Lost the race against a flush removal; the map has (or will
			// get) a fresh entry.
			e.lock.unlock()
			continue
		}
		e.pending += delta
		e.lock.unlock()
		return nil
	}
}

// delta reads the pending count for key without consuming it.
func (b *writeBuffer) delta(ctx context.Context, key string) (int64, error) {
	for {
		e := b.peek(key)
		if e == nil {
			return 0, nil
		}
		if err := e.lock.lock(ctx); err != nil {
			return 0, err
		}
		if e.gone {
			e.lock.unlock()
			continue
		}
		d := e.pending
		e.lock.unlock()
		return d, nil
	}
}

// flush pushes key's pending delta into store and removes the entry.
// Returns the delta applied; 0 when the key had nothing buffered.
//
// The entry lock is held across the INCRBY, so increments arriving during
// the flush wait and then land in a fresh entry for the next cycle. On
// backend failure the entry stays with its delta intact; the next tick
// (or read-triggered flush) retries, so counts are delayed, not lost.
func (b *writeBuffer) flush(ctx context.Context, key string, store Store) (int64, error) {
	for {
		e := b.peek(key)
		if e == nil {
			return 0, nil
		}
		if err := e.lock.lock(ctx); err != nil {
			return 0, err
		}
		if e.gone {
			e.lock.unlock()
			continue
		}

		n := e.pending
		if n > 0 {
			if _, err := store.IncrBy(ctx, key, n); err != nil {
				e.lock.unlock()
				return 0, err
			}
		}
		e.gone = true
		b.detach(key, e)
		e.lock.unlock()
		return n, nil
	}
}

// keys snapshots the currently buffered page keys.
func (b *writeBuffer) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	return out
}

// len returns the number of keys with unflushed deltas.
func (b *writeBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
