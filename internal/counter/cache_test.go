package counter

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheFreshness(t *testing.T) {
	ttl := 50 * time.Second
	c := newReadCache(ttl, 0)
	t0 := time.Now()

	c.put("home", 42, t0)

	tests := []struct {
		name      string
		at        time.Time
		wantCount int64
		wantHit   bool
	}{
		{"immediately", t0, 42, true},
		{"just inside ttl", t0.Add(ttl - time.Nanosecond), 42, true},
		{"exactly at ttl", t0.Add(ttl), 0, false},
		{"well past ttl", t0.Add(2 * ttl), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, hit := c.get("home", tt.at)
			if count != tt.wantCount || hit != tt.wantHit {
				t.Errorf("get = (%d, %v), want (%d, %v)", count, hit, tt.wantCount, tt.wantHit)
			}
		})
	}
}

func TestCacheMissUnknownKey(t *testing.T) {
	c := newReadCache(time.Second, 0)
	if count, hit := c.get("nobody", time.Now()); hit {
		t.Errorf("get(nobody) = (%d, true), want miss", count)
	}
}

func TestCacheOverwriteRefreshes(t *testing.T) {
	ttl := 50 * time.Second
	c := newReadCache(ttl, 0)
	t0 := time.Now()

	c.put("home", 10, t0)

	// Stale entry stays resident but stops answering.
	t1 := t0.Add(ttl + time.Second)
	if _, hit := c.get("home", t1); hit {
		t.Fatal("stale entry served a read")
	}
	if c.len() != 1 {
		t.Fatalf("len = %d, want 1 (stale entries stay resident)", c.len())
	}

	// The next backend read overwrites it in place.
	if evicted := c.put("home", 25, t1); evicted {
		t.Error("overwrite reported an eviction")
	}
	count, hit := c.get("home", t1)
	if !hit || count != 25 {
		t.Errorf("get after overwrite = (%d, %v), want (25, true)", count, hit)
	}
	if c.len() != 1 {
		t.Errorf("len = %d, want 1", c.len())
	}
}

func TestCacheUnboundedNeverEvicts(t *testing.T) {
	c := newReadCache(time.Minute, 0)
	now := time.Now()

	for i := 0; i < 500; i++ {
		if evicted := c.put(fmt.Sprintf("page-%d", i), int64(i), now); evicted {
			t.Fatalf("unbounded cache evicted on key %d", i)
		}
	}
	if c.len() != 500 {
		t.Errorf("len = %d, want 500", c.len())
	}
}

func TestCacheCapEvicts(t *testing.T) {
	// Cap 16 means one slot per stripe, so any two keys sharing a stripe
	// force an eviction.
	c := newReadCache(time.Minute, cacheStripes)
	now := time.Now()

	evictions := 0
	const keys = 64
	for i := 0; i < keys; i++ {
		if c.put(fmt.Sprintf("page-%d", i), int64(i), now) {
			evictions++
		}
	}

	if c.len() > cacheStripes {
		t.Errorf("len = %d, want at most %d", c.len(), cacheStripes)
	}
	if evictions != keys-c.len() {
		t.Errorf("evictions = %d, want %d (inserted %d, resident %d)",
			evictions, keys-c.len(), keys, c.len())
	}

	// The most recently written keys survive.
	last := fmt.Sprintf("page-%d", keys-1)
	if _, hit := c.get(last, now); !hit {
		t.Errorf("most recently written key %q was evicted", last)
	}
}
