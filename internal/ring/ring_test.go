package ring

import "testing"

const (
	shardX = "redis://shard-x:6379"
	shardY = "redis://shard-y:6379"
	shardZ = "redis://shard-z:6379"
)

// Digests pinned against the reference SHA-256 mod 2^32 reduction so a
// refactor of Hash cannot silently remap every key in production.
func TestHash(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"page-42", 612946788},
		{"a", 2951628987},
		{"b", 3583770781},
		{"c", 2723868614},
		{"home", 253602114},
		{"about", 1827065009},
		{"redis://redis1:6379-0", 1896034224},
		{"redis://redis1:6379-1", 67091520},
		{"redis://shard-x:6379-0", 562654026},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Hash(tt.in); got != tt.want {
				t.Errorf("Hash(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestLookupEmptyRing(t *testing.T) {
	r := New(0)
	if _, ok := r.Lookup("page-1"); ok {
		t.Error("Lookup on empty ring returned ok")
	}
}

func TestLookup(t *testing.T) {
	r := New(DefaultVirtualNodes).WithShard(shardX).WithShard(shardY)

	tests := []struct {
		key  string
		want string
	}{
		{"page-42", shardX},
		{"a", shardY},
		{"b", shardX},
		{"c", shardY},
		{"home", shardX},
		{"about", shardY},
		{"page-1", shardY},
		{"page-2", shardX},
		{"page-3", shardX},
		{"alpha", shardY},
		{"beta", shardY},
		{"gamma", shardY},
		// Hashes past the highest position wrap to the lowest.
		{"page-2588", shardY},
		// Hashes below the lowest position land on it directly.
		{"page-1100", shardY},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := r.Lookup(tt.key)
			if !ok {
				t.Fatalf("Lookup(%q) returned !ok", tt.key)
			}
			if got != tt.want {
				t.Errorf("Lookup(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestWithShardIdempotent(t *testing.T) {
	r := New(0).WithShard(shardX)
	again := r.WithShard(shardX)
	if again != r {
		t.Error("adding a present shard should return the receiver")
	}
	if got := r.NumPositions(); got != DefaultVirtualNodes {
		t.Errorf("NumPositions = %d, want %d", got, DefaultVirtualNodes)
	}
}

func TestWithShardDoesNotMutateReceiver(t *testing.T) {
	one := New(0).WithShard(shardX)
	posBefore := one.NumPositions()

	two := one.WithShard(shardY)

	if one.NumPositions() != posBefore {
		t.Errorf("receiver grew from %d to %d positions", posBefore, one.NumPositions())
	}
	if one.Contains(shardY) {
		t.Error("receiver gained a shard it was never given")
	}
	if !two.Contains(shardX) || !two.Contains(shardY) {
		t.Errorf("derived ring members = %v, want both shards", two.Shards())
	}
	// No position collisions between these two shards' virtual nodes.
	if got := two.NumPositions(); got != 2*DefaultVirtualNodes {
		t.Errorf("NumPositions = %d, want %d", got, 2*DefaultVirtualNodes)
	}
}

func TestWithoutShard(t *testing.T) {
	two := New(0).WithShard(shardX).WithShard(shardY)

	one := two.WithoutShard(shardY)
	if one.Contains(shardY) {
		t.Error("removed shard still a member")
	}
	if got := one.NumPositions(); got != DefaultVirtualNodes {
		t.Errorf("NumPositions after removal = %d, want %d", got, DefaultVirtualNodes)
	}
	// Every key collapses onto the remaining shard.
	for _, key := range []string{"a", "b", "c", "home", "about", "page-2588"} {
		got, ok := one.Lookup(key)
		if !ok || got != shardX {
			t.Errorf("Lookup(%q) = %q, %v, want %q", key, got, ok, shardX)
		}
	}

	// Removing an absent shard is a no-op that returns the receiver.
	if one.WithoutShard(shardZ) != one {
		t.Error("removing an absent shard should return the receiver")
	}

	empty := one.WithoutShard(shardX)
	if empty.NumShards() != 0 || empty.NumPositions() != 0 {
		t.Errorf("empty ring has %d shards / %d positions", empty.NumShards(), empty.NumPositions())
	}
	if _, ok := empty.Lookup("a"); ok {
		t.Error("Lookup on emptied ring returned ok")
	}
}

// Two rings built by the same add sequence must map every key identically.
// Placement depends only on SHA-256, never on process state.
func TestDeterministicPlacement(t *testing.T) {
	a := New(0).WithShard(shardX).WithShard(shardY).WithShard(shardZ)
	b := New(0).WithShard(shardX).WithShard(shardY).WithShard(shardZ)

	for _, key := range []string{"a", "b", "c", "home", "about", "page-1", "page-2", "page-3"} {
		ownerA, _ := a.Lookup(key)
		ownerB, _ := b.Lookup(key)
		if ownerA != ownerB {
			t.Errorf("rings disagree on %q: %q vs %q", key, ownerA, ownerB)
		}
	}
}

// Adding a shard must only pull keys toward the newcomer. Keys that hashed
// onto surviving spans keep their owner, which is the whole point of
// consistent hashing.
func TestWithShardMinimalRemap(t *testing.T) {
	two := New(0).WithShard(shardX).WithShard(shardY)
	three := two.WithShard(shardZ)

	moved := 0
	for _, key := range []string{"a", "b", "c", "home", "about", "page-1", "page-2", "page-3", "alpha", "beta", "gamma"} {
		before, _ := two.Lookup(key)
		after, _ := three.Lookup(key)
		if before != after {
			if after != shardZ {
				t.Errorf("key %q moved %q -> %q, but only moves onto the new shard are allowed", key, before, after)
			}
			moved++
		}
	}
	// "home" and "about" hash into spans claimed by shardZ's virtual nodes.
	if moved == 0 {
		t.Error("no keys moved to the new shard; expected at least home and about")
	}
	for _, key := range []string{"home", "about"} {
		if got, _ := three.Lookup(key); got != shardZ {
			t.Errorf("Lookup(%q) = %q, want %q", key, got, shardZ)
		}
	}
}

func TestShardsSorted(t *testing.T) {
	r := New(0).WithShard(shardY).WithShard(shardX)
	got := r.Shards()
	if len(got) != 2 || got[0] != shardX || got[1] != shardY {
		t.Errorf("Shards() = %v, want sorted [%s %s]", got, shardX, shardY)
	}
}
