// Package counter implements the tiered visit counting engine.
//
// Writes land in an in-process buffer and reach the backend in batches: a
// visit is one buffered increment, and a background flusher folds each
// key's accumulated delta into its shard with a single INCRBY per interval.
// Reads come from a TTL cache when fresh, otherwise from the backend after
// flushing the key, and always include whatever is still buffered. The
// result is a counter that absorbs write bursts with bounded backend
// traffic and serves reads that lag reality by at most the cache TTL.
package counter

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kohantikanath/visit-counter/internal/monitoring"
)

// Serving sources reported by Get.
const (
	SourceMemory = "in_memory"
	SourceRedis  = "in_redis"
)

// Defaults for the two core intervals. The cache TTL is deliberately
// longer than the flush interval so a cached value is never older than
// one flush cycle plus the TTL.
const (
	DefaultCacheTTL      = 50 * time.Second
	DefaultFlushInterval = 30 * time.Second
)

// Store is the backend the engine flushes to and reads through.
// *shard.Manager implements it against the Redis ring.
type Store interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	GetCount(ctx context.Context, key string) (count int64, found bool, err error)
}

// Config tunes an Engine. Zero values select the defaults.
type Config struct {
	CacheTTL        time.Duration // read cache freshness window (default 50s)
	FlushInterval   time.Duration // buffer flush period (default 30s)
	CacheMaxEntries int           // read cache size cap, 0 = unbounded
	FlushWorkers    int           // flush pool size, 0 = 2 x GOMAXPROCS
	FlushQueueSize  int           // flush pool queue, 0 = workers x 100

	Logger zerolog.Logger
}

// Engine is the tiered counter.
type Engine struct {
	store  Store
	logger zerolog.Logger

	flushInterval time.Duration

	buffer *writeBuffer
	cache  *readCache
	pool   *WorkerPool

	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	BufferedKeys  int   `json:"buffered_keys"`
	CacheEntries  int   `json:"cache_entries"`
	QueueDepth    int   `json:"queue_depth"`
	QueueCapacity int   `json:"queue_capacity"`
	DroppedTasks  int64 `json:"dropped_tasks"`
}

// NewEngine builds an engine over store. Call Start to begin flushing.
func NewEngine(store Store, cfg Config) *Engine {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = runtime.GOMAXPROCS(0) * 2
	}
	if cfg.FlushQueueSize <= 0 {
		cfg.FlushQueueSize = cfg.FlushWorkers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.With().Str("component", "counter_engine").Logger()

	return &Engine{
		store:         store,
		logger:        logger,
		flushInterval: cfg.FlushInterval,
		buffer:        newWriteBuffer(),
		cache:         newReadCache(cfg.CacheTTL, cfg.CacheMaxEntries),
		pool:          NewWorkerPool(cfg.FlushWorkers, cfg.FlushQueueSize, logger),
		ctx:           ctx,
		cancel:        cancel,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the flush workers and the periodic flush loop.
func (e *Engine) Start() {
	e.pool.Start(e.ctx)

	e.wg.Add(1)
	go e.flushLoop()

	e.logger.Info().
		Dur("flush_interval", e.flushInterval).
		Int("flush_workers", e.pool.workerCount).
		Int("flush_queue", e.pool.GetQueueCapacity()).
		Msg("Counter engine started")
}

// Increment records one visit for page. The visit lives in the write
// buffer until the next flush; the backend is never touched here. The only
// failure is ctx ending while the page's buffer lock is held by a flush.
func (e *Engine) Increment(ctx context.Context, page string) error {
	if err := e.buffer.add(ctx, page, 1); err != nil {
		return fmt.Errorf("buffer visit for %s: %w", page, err)
	}
	monitoring.RecordVisit()
	return nil
}

// Get returns the current count for page and where the base value came
// from: SourceMemory when the read cache was fresh, SourceRedis when the
// backend had to be consulted. Either way the page's still-buffered delta
// is added on top, so a read always reflects the process's own writes.
func (e *Engine) Get(ctx context.Context, page string) (int64, string, error) {
	if base, ok := e.cache.get(page, time.Now()); ok {
		delta, err := e.buffer.delta(ctx, page)
		if err != nil {
			return 0, "", err
		}
		monitoring.RecordRead(SourceMemory)
		return base + delta, SourceMemory, nil
	}

	// Push this page's buffered delta down first so the backend value
	// includes everything recorded before this read.
	if err := e.FlushKey(ctx, page); err != nil {
		return 0, "", err
	}

	base, _, err := e.store.GetCount(ctx, page)
	if err != nil {
		// Leave the cache alone; a stale entry is better than a wrong one.
		return 0, "", err
	}
	if evicted := e.cache.put(page, base, time.Now()); evicted {
		monitoring.RecordCacheEviction()
	}

	// Increments that raced past the flush above are buffered again.
	delta, err := e.buffer.delta(ctx, page)
	if err != nil {
		return 0, "", err
	}
	monitoring.RecordRead(SourceRedis)
	return base + delta, SourceRedis, nil
}

// FlushKey pushes page's buffered delta to the backend immediately.
// On failure the delta stays buffered for the next attempt.
func (e *Engine) FlushKey(ctx context.Context, page string) error {
	start := time.Now()
	n, err := e.buffer.flush(ctx, page, e.store)
	if err != nil {
		monitoring.RecordFlushFailure()
		monitoring.RecordError(monitoring.ErrorTypeFlush, monitoring.ErrorSeverityWarning)
		return fmt.Errorf("flush %s: %w", page, err)
	}
	if n > 0 {
		monitoring.RecordFlush(time.Since(start))
	}
	return nil
}

// flushLoop ticks every flushInterval and fans the buffered keys out to
// the worker pool. Flush failures are logged and retried next tick; they
// never escape the loop.
func (e *Engine) flushLoop() {
	defer e.wg.Done()
	defer monitoring.RecoverPanic(e.logger, "flush_loop", nil)

	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flushAll()
		case <-e.stopCh:
			return
		}
	}
}

// flushAll submits one flush task per buffered key and refreshes the
// pipeline gauges.
func (e *Engine) flushAll() {
	keys := e.buffer.keys()
	for _, page := range keys {
		page := page
		e.pool.Submit(func() {
			if err := e.FlushKey(e.ctx, page); err != nil {
				e.logger.Warn().
					Err(err).
					Str("page_id", page).
					Msg("Flush failed, delta retained")
			}
		})
	}

	monitoring.SetBufferedKeys(e.buffer.len())
	monitoring.SetCacheEntries(e.cache.len())
	monitoring.SetWorkerQueue(e.pool.GetQueueDepth(), e.pool.GetQueueCapacity())
	monitoring.SetWorkerDropped(e.pool.GetDroppedTasks())
}

// Stats snapshots the pipeline for the health endpoint.
func (e *Engine) Stats() Stats {
	return Stats{
		BufferedKeys:  e.buffer.len(),
		CacheEntries:  e.cache.len(),
		QueueDepth:    e.pool.GetQueueDepth(),
		QueueCapacity: e.pool.GetQueueCapacity(),
		DroppedTasks:  e.pool.GetDroppedTasks(),
	}
}

// Close stops the flush loop, drains the worker pool and flushes every
// remaining buffered delta under ctx. Buffered visits survive a graceful
// shutdown; only a crash loses them.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.pool.Stop()

		for _, page := range e.buffer.keys() {
			if err := e.FlushKey(ctx, page); err != nil {
				errs = append(errs, err)
			}
		}
		e.cancel()

		if n := e.buffer.len(); n > 0 {
			e.logger.Error().
				Int("keys", n).
				Msg("Shutdown flush left unflushed deltas behind")
		} else {
			e.logger.Info().Msg("Counter engine closed, buffer drained")
		}
	})
	return errors.Join(errs...)
}
