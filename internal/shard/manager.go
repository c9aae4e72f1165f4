// Package shard routes page keys to backend nodes through a consistent
// hash ring and rebalances stored counters when the topology changes.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kohantikanath/visit-counter/internal/kv"
	"github.com/kohantikanath/visit-counter/internal/monitoring"
	"github.com/kohantikanath/visit-counter/internal/ring"
)

// DefaultPoolSize caps the connection pool of each shard client.
const DefaultPoolSize = 200

var (
	// ErrNoShards is returned when a key is routed against an empty ring.
	ErrNoShards = errors.New("no shards available")

	// ErrLastShard is returned when removal would leave the ring empty.
	ErrLastShard = errors.New("cannot remove the last shard")
)

// MigrationReport summarizes one topology change.
//
// Scanned counts candidate keys inspected, Moved the keys relocated,
// Skipped the keys that vanished between enumeration and copy, Failed the
// keys whose copy or cleanup errored. Failed keys keep serving from
// wherever their value currently lives; details are in Failures.
type MigrationReport struct {
	JobID      string   `json:"job_id"`
	Op         string   `json:"op"`
	Shard      string   `json:"shard"`
	Scanned    int      `json:"scanned"`
	Moved      int      `json:"moved"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Failures   []string `json:"failures,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// Options configures a Manager.
type Options struct {
	PoolSize     int     // Per-shard connection pool cap (default 200)
	VirtualNodes int     // Ring positions per shard (default 100)
	MigrateRate  float64 // Migration pacing in keys/sec (0 = unpaced)

	// NewClient builds the client for a shard URL. Defaults to kv.NewClient;
	// tests inject constructors that return in-memory stores.
	NewClient func(url string, poolSize int) (kv.Client, error)

	Logger zerolog.Logger
}

// Manager owns the shard-id to client mapping and the current ring.
//
// Reads (Connection, IncrBy, GetCount) take an RLock, grab the current ring
// snapshot and client, and go; the ring itself is immutable so lookups never
// contend with a migration in progress. AddShard and RemoveShard serialize
// against each other and publish a new ring before moving any data, so
// routing switches over atomically.
type Manager struct {
	logger zerolog.Logger

	newClient      func(url string, poolSize int) (kv.Client, error)
	poolSize       int
	migrateLimiter *rate.Limiter

	mu      sync.RWMutex
	clients map[string]kv.Client
	ring    *ring.Ring

	adminMu sync.Mutex // serializes AddShard / RemoveShard
}

// NewManager builds an empty manager. Seed or AddShard registers nodes.
func NewManager(opts Options) *Manager {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.NewClient == nil {
		opts.NewClient = kv.NewClient
	}

	var limiter *rate.Limiter
	if opts.MigrateRate > 0 {
		burst := int(opts.MigrateRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MigrateRate), burst)
	}

	return &Manager{
		logger:         opts.Logger.With().Str("component", "shard_manager").Logger(),
		newClient:      opts.NewClient,
		poolSize:       opts.PoolSize,
		migrateLimiter: limiter,
		clients:        make(map[string]kv.Client),
		ring:           ring.New(opts.VirtualNodes),
	}
}

// Seed registers the boot-time shard list in order. Each node goes through
// the same migrating AddShard an operator would use, so booting against
// nodes that still hold counters from a previous run rebalances them.
func (m *Manager) Seed(ctx context.Context, urls []string) error {
	for _, url := range urls {
		if _, err := m.AddShard(ctx, url); err != nil {
			return err
		}
	}
	return nil
}

// AddShard registers a new shard and pulls over every stored counter that
// now hashes to it. Adding a shard that is already present is a no-op and
// returns a nil report.
//
// The new ring is published before any key moves: reads for a key mid-move
// may briefly see only its buffered delta, which the read path tolerates.
// Per-key failures do not stop the sweep; they are recorded in the report
// and folded into the returned error.
func (m *Manager) AddShard(ctx context.Context, url string) (*MigrationReport, error) {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()

	m.mu.RLock()
	present := m.ring.Contains(url)
	m.mu.RUnlock()
	if present {
		m.logger.Info().Str("shard", url).Msg("Shard already present, nothing to do")
		return nil, nil
	}

	client, err := m.newClient(url, m.poolSize)
	if err != nil {
		return nil, fmt.Errorf("add shard %s: %w", url, err)
	}

	m.mu.Lock()
	oldRing := m.ring
	newRing := oldRing.WithShard(url)
	m.ring = newRing
	m.clients[url] = client
	m.mu.Unlock()

	monitoring.SetShardCount(newRing.NumShards())
	m.logger.Info().
		Str("shard", url).
		Int("shards", newRing.NumShards()).
		Msg("Shard added to ring")

	report := &MigrationReport{JobID: uuid.NewString(), Op: "add", Shard: url}
	start := time.Now()

	// Everything stored on the pre-existing shards is a candidate. The new
	// shard is assumed empty; any keys it does hold stay where they are.
	candidates, err := m.candidateKeys(ctx, url)
	if err != nil {
		report.DurationMS = time.Since(start).Milliseconds()
		monitoring.RecordError(monitoring.ErrorTypeMigration, monitoring.ErrorSeverityCritical)
		return report, fmt.Errorf("add shard %s: %w", url, err)
	}

	var errs []error
	for _, key := range candidates {
		report.Scanned++

		newOwner, ok := newRing.Lookup(key)
		if !ok || newOwner != url {
			continue
		}
		// The key physically lives on whichever shard owned it before.
		oldOwner, ok := oldRing.Lookup(key)
		if !ok || oldOwner == url {
			continue
		}

		if err := m.pace(ctx); err != nil {
			errs = append(errs, err)
			break
		}

		moved, err := m.migrateKey(ctx, key, oldOwner, url)
		switch {
		case err != nil:
			report.Failed++
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", key, err))
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		case moved:
			report.Moved++
		default:
			report.Skipped++
		}
	}

	report.DurationMS = time.Since(start).Milliseconds()
	monitoring.RecordMigration("add", report.Moved, report.Failed)
	m.logger.Info().
		Str("job_id", report.JobID).
		Str("shard", url).
		Int("scanned", report.Scanned).
		Int("moved", report.Moved).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int64("duration_ms", report.DurationMS).
		Msg("Shard add migration finished")

	if len(errs) > 0 {
		monitoring.RecordError(monitoring.ErrorTypeMigration, monitoring.ErrorSeverityWarning)
		return report, fmt.Errorf("add shard %s: %w", url, errors.Join(errs...))
	}
	return report, nil
}

// RemoveShard drains a shard's counters onto their new owners and drops the
// shard. Removing an absent shard is a no-op returning a nil report;
// removing the last shard is refused with ErrLastShard.
//
// The shrunk ring is published before any key moves, so no new data lands
// on the departing shard while it drains.
func (m *Manager) RemoveShard(ctx context.Context, url string) (*MigrationReport, error) {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()

	m.mu.RLock()
	present := m.ring.Contains(url)
	shards := m.ring.NumShards()
	departing := m.clients[url]
	m.mu.RUnlock()

	if !present {
		m.logger.Info().Str("shard", url).Msg("Shard not present, nothing to do")
		return nil, nil
	}
	if shards == 1 {
		return nil, ErrLastShard
	}

	m.mu.Lock()
	oldRing := m.ring
	newRing := oldRing.WithoutShard(url)
	m.ring = newRing
	m.mu.Unlock()

	monitoring.SetShardCount(newRing.NumShards())
	m.logger.Info().
		Str("shard", url).
		Int("shards", newRing.NumShards()).
		Msg("Shard removed from ring")

	report := &MigrationReport{JobID: uuid.NewString(), Op: "remove", Shard: url}
	start := time.Now()

	keys, err := departing.Keys(ctx)
	if err != nil {
		// Cannot enumerate the departing shard, so nothing can drain. Put
		// the shard back (positions are deterministic, the ring comes back
		// identical) and surface the failure.
		m.mu.Lock()
		m.ring = m.ring.WithShard(url)
		m.mu.Unlock()
		monitoring.SetShardCount(shards)
		monitoring.RecordError(monitoring.ErrorTypeMigration, monitoring.ErrorSeverityCritical)
		return nil, fmt.Errorf("remove shard %s: list keys: %w", url, err)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		report.Scanned++

		newOwner, ok := newRing.Lookup(key)
		if !ok {
			// Unreachable: removal of the last shard is refused above.
			continue
		}

		if err := m.pace(ctx); err != nil {
			errs = append(errs, err)
			break
		}

		moved, err := m.migrateKey(ctx, key, url, newOwner)
		switch {
		case err != nil:
			report.Failed++
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", key, err))
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		case moved:
			report.Moved++
		default:
			report.Skipped++
		}
	}

	m.mu.Lock()
	delete(m.clients, url)
	m.mu.Unlock()
	if err := departing.Close(); err != nil {
		m.logger.Warn().Err(err).Str("shard", url).Msg("Failed to close departing shard client")
	}

	report.DurationMS = time.Since(start).Milliseconds()
	monitoring.RecordMigration("remove", report.Moved, report.Failed)
	m.logger.Info().
		Str("job_id", report.JobID).
		Str("shard", url).
		Int("scanned", report.Scanned).
		Int("moved", report.Moved).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int64("duration_ms", report.DurationMS).
		Msg("Shard remove migration finished")

	if len(errs) > 0 {
		monitoring.RecordError(monitoring.ErrorTypeMigration, monitoring.ErrorSeverityWarning)
		return report, fmt.Errorf("remove shard %s: %w", url, errors.Join(errs...))
	}
	return report, nil
}

// migrateKey copies one counter from shard to shard, copy before cleanup.
// A key that vanished between enumeration and the copy returns (false, nil).
//
// SET always precedes DELETE: if the process dies in between, the value
// exists on both shards and reads keep resolving through the ring to the
// new owner. The reverse order could lose the counter outright.
func (m *Manager) migrateKey(ctx context.Context, key, fromURL, toURL string) (bool, error) {
	from := m.client(fromURL)
	to := m.client(toURL)
	if from == nil || to == nil {
		return false, fmt.Errorf("no client for migration %s -> %s", fromURL, toURL)
	}

	val, found, err := from.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get from %s: %w", fromURL, err)
	}
	if !found {
		// Deleted or expired since enumeration. Nothing to move.
		return false, nil
	}

	if err := to.Set(ctx, key, val); err != nil {
		return false, fmt.Errorf("set on %s: %w", toURL, err)
	}
	if err := from.Delete(ctx, key); err != nil {
		// The value is live on the new owner; the stale copy on the old
		// shard is unreachable through the ring but still occupies space.
		return false, fmt.Errorf("delete stale copy on %s: %w", fromURL, err)
	}

	m.logger.Debug().
		Str("key", key).
		Str("from", fromURL).
		Str("to", toURL).
		Msg("Key migrated")
	return true, nil
}

// candidateKeys returns the union of keys stored on every shard except
// exclude, minus the keys exclude already holds. Sorted for deterministic
// sweep order.
func (m *Manager) candidateKeys(ctx context.Context, exclude string) ([]string, error) {
	m.mu.RLock()
	clients := make(map[string]kv.Client, len(m.clients))
	for u, c := range m.clients {
		clients[u] = c
	}
	m.mu.RUnlock()

	seen := make(map[string]struct{})
	for u, c := range clients {
		if u == exclude {
			continue
		}
		ks, err := c.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list keys on %s: %w", u, err)
		}
		for _, k := range ks {
			seen[k] = struct{}{}
		}
	}

	if c, ok := clients[exclude]; ok {
		ks, err := c.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list keys on %s: %w", exclude, err)
		}
		for _, k := range ks {
			delete(seen, k)
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Manager) pace(ctx context.Context) error {
	if m.migrateLimiter == nil {
		return nil
	}
	if err := m.migrateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("migration pacing: %w", err)
	}
	return nil
}

// client returns the client for a shard URL, or nil if unknown.
func (m *Manager) client(url string) kv.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[url]
}

// Connection resolves the shard client owning key.
func (m *Manager) Connection(key string) (kv.Client, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.ring.Lookup(key)
	if !ok {
		return nil, "", ErrNoShards
	}
	return m.clients[owner], owner, nil
}

// IncrBy adds delta to the stored counter on the owning shard and returns
// the new stored value.
func (m *Manager) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	conn, owner, err := m.Connection(key)
	if err != nil {
		return 0, err
	}
	n, err := conn.IncrBy(ctx, key, delta)
	if err != nil {
		return 0, fmt.Errorf("incrby %s on %s: %w", key, owner, err)
	}
	return n, nil
}

// GetCount reads the stored counter from the owning shard.
// Absent keys return (0, false, nil); a counter is born at zero.
func (m *Manager) GetCount(ctx context.Context, key string) (int64, bool, error) {
	conn, owner, err := m.Connection(key)
	if err != nil {
		return 0, false, err
	}
	raw, found, err := conn.Get(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("get %s from %s: %w", key, owner, err)
	}
	if !found {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("counter %s on %s holds %q: %w", key, owner, raw, kv.ErrNotInteger)
	}
	return n, true, nil
}

// Shards returns the current ring members in sorted order.
func (m *Manager) Shards() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring.Shards()
}

// NumShards returns the current ring member count.
func (m *Manager) NumShards() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring.NumShards()
}

// Close shuts down every shard client. Used at process shutdown, after the
// final buffer flush.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for url, c := range m.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", url, err))
		}
	}
	m.clients = make(map[string]kv.Client)
	return errors.Join(errs...)
}
