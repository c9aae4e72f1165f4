package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// DefaultVirtualNodes is the number of positions each shard occupies on the
// ring. 100 virtual nodes keeps the key distribution within a few percent of
// uniform for small clusters.
const DefaultVirtualNodes = 100

// Hash maps an arbitrary string onto the 32-bit ring keyspace.
//
// The full SHA-256 digest is computed and reduced mod 2^32, which is exactly
// the low 4 bytes of the digest read big-endian. Both shard virtual nodes and
// page keys go through this same function, so placement is deterministic
// across processes and restarts.
func Hash(s string) uint32 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(sum[28:32])
}

// Ring is an immutable consistent-hash ring.
//
// Mutation returns a new ring (WithShard / WithoutShard) and never touches
// the receiver, so a *Ring can be published once and read from any number of
// goroutines without locking. Lookup walks clockwise: a key is owned by the
// shard at the first position >= Hash(key), wrapping to the lowest position
// past the top of the keyspace.
type Ring struct {
	virtualNodes int

	positions []uint32          // sorted ascending
	owners    map[uint32]string // position -> shard id
	shards    map[string]struct{}
}

// New returns an empty ring. virtualNodes <= 0 selects DefaultVirtualNodes.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		virtualNodes: virtualNodes,
		owners:       make(map[uint32]string),
		shards:       make(map[string]struct{}),
	}
}

// WithShard returns a ring that additionally contains shard id.
// Adding a shard that is already present returns the receiver unchanged.
//
// Each shard claims virtualNodes positions at Hash("<id>-<i>"). If a
// position is already claimed by another shard the newcomer skips it; the
// incumbent keeps the slot. With a 32-bit keyspace collisions are rare and
// skipping one virtual node shifts the distribution by a negligible amount.
func (r *Ring) WithShard(id string) *Ring {
	if _, ok := r.shards[id]; ok {
		return r
	}

	next := r.clone()
	next.shards[id] = struct{}{}
	for i := 0; i < next.virtualNodes; i++ {
		pos := Hash(fmt.Sprintf("%s-%d", id, i))
		if _, taken := next.owners[pos]; taken {
			continue
		}
		next.owners[pos] = id
		next.positions = append(next.positions, pos)
	}
	sort.Slice(next.positions, func(a, b int) bool { return next.positions[a] < next.positions[b] })
	return next
}

// WithoutShard returns a ring with shard id removed. Removing a shard that
// is not present returns the receiver unchanged. Only positions owned by id
// are released; positions another shard won by collision stay put.
func (r *Ring) WithoutShard(id string) *Ring {
	if _, ok := r.shards[id]; !ok {
		return r
	}

	next := &Ring{
		virtualNodes: r.virtualNodes,
		positions:    make([]uint32, 0, len(r.positions)),
		owners:       make(map[uint32]string, len(r.owners)),
		shards:       make(map[string]struct{}, len(r.shards)),
	}
	for s := range r.shards {
		if s != id {
			next.shards[s] = struct{}{}
		}
	}
	for _, pos := range r.positions {
		owner := r.owners[pos]
		if owner == id {
			continue
		}
		next.owners[pos] = owner
		next.positions = append(next.positions, pos)
	}
	return next
}

// Lookup returns the shard that owns key. ok is false when the ring is empty.
func (r *Ring) Lookup(key string) (shard string, ok bool) {
	return r.lookupHash(Hash(key))
}

func (r *Ring) lookupHash(h uint32) (string, bool) {
	if len(r.positions) == 0 {
		return "", false
	}
	// Smallest position >= h, wrapping to the first position.
	idx := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] >= h })
	if idx == len(r.positions) {
		idx = 0
	}
	return r.owners[r.positions[idx]], true
}

// Contains reports whether shard id is a member of the ring.
func (r *Ring) Contains(id string) bool {
	_, ok := r.shards[id]
	return ok
}

// Shards returns the member shard ids in sorted order.
func (r *Ring) Shards() []string {
	out := make([]string, 0, len(r.shards))
	for s := range r.shards {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// NumShards returns the number of member shards.
func (r *Ring) NumShards() int {
	return len(r.shards)
}

// NumPositions returns the number of claimed virtual node positions.
func (r *Ring) NumPositions() int {
	return len(r.positions)
}

// clone deep-copies the ring so the mutating methods can edit freely.
func (r *Ring) clone() *Ring {
	next := &Ring{
		virtualNodes: r.virtualNodes,
		positions:    make([]uint32, len(r.positions)),
		owners:       make(map[uint32]string, len(r.owners)),
		shards:       make(map[string]struct{}, len(r.shards)),
	}
	copy(next.positions, r.positions)
	for pos, owner := range r.owners {
		next.owners[pos] = owner
	}
	for s := range r.shards {
		next.shards[s] = struct{}{}
	}
	return next
}
