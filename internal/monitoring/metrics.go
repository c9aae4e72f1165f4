package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the visit counter pipeline.
// Scraped from /metrics; designed to answer the three operational
// questions that matter here: is the buffer draining, is the cache
// absorbing reads, and are migrations moving keys without losing them.
var (
	// Request path
	visitsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitd_visits_recorded_total",
		Help: "Total visit increments accepted into the write buffer",
	})

	readsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitd_reads_total",
		Help: "Total count reads by serving source",
	}, []string{"source"})

	// Write buffer / flusher
	flushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitd_flushes_total",
		Help: "Total per-key flushes that reached the backend",
	})

	flushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitd_flush_failures_total",
		Help: "Total per-key flushes that failed and kept their delta buffered",
	})

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "visitd_flush_duration_seconds",
		Help:    "Duration of individual per-key flushes",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	bufferedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitd_buffered_keys",
		Help: "Current number of page keys with unflushed deltas",
	})

	// Worker pool
	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitd_worker_queue_depth",
		Help: "Current number of tasks waiting in the flush worker pool queue",
	})

	workerQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitd_worker_queue_capacity",
		Help: "Maximum capacity of the flush worker pool queue",
	})

	workerTasksDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitd_worker_tasks_dropped_total",
		Help: "Total flush tasks dropped when the worker pool queue was full",
	})

	// Read cache
	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitd_cache_entries",
		Help: "Current number of entries in the read cache",
	})

	cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitd_cache_evictions_total",
		Help: "Total read cache entries evicted by the size cap",
	})

	// Shard topology
	shardCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitd_shards",
		Help: "Current number of shards in the hash ring",
	})

	migrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitd_migrations_total",
		Help: "Total shard topology changes by operation",
	}, []string{"op"})

	migratedKeys = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitd_migrated_keys_total",
		Help: "Total keys moved between shards during migrations",
	})

	migrationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitd_migration_failures_total",
		Help: "Total keys that failed to migrate and stayed on their old shard",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitd_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitd_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitd_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitd_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	// Register all metrics with Prometheus
	prometheus.MustRegister(visitsRecorded)
	prometheus.MustRegister(readsTotal)

	prometheus.MustRegister(flushesTotal)
	prometheus.MustRegister(flushFailures)
	prometheus.MustRegister(flushDuration)
	prometheus.MustRegister(bufferedKeys)

	prometheus.MustRegister(workerQueueDepth)
	prometheus.MustRegister(workerQueueCapacity)
	prometheus.MustRegister(workerTasksDropped)

	prometheus.MustRegister(cacheEntries)
	prometheus.MustRegister(cacheEvictions)

	prometheus.MustRegister(shardCount)
	prometheus.MustRegister(migrationsTotal)
	prometheus.MustRegister(migratedKeys)
	prometheus.MustRegister(migrationFailures)

	prometheus.MustRegister(errorsTotal)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// Error severity levels for metrics and logging
const (
	ErrorSeverityWarning  = "warning"  // Non-critical, service continues
	ErrorSeverityCritical = "critical" // Critical but recoverable
)

// Error types for categorization
const (
	ErrorTypeBackend   = "backend"
	ErrorTypeFlush     = "flush"
	ErrorTypeMigration = "migration"
	ErrorTypeHTTP      = "http"
)

// RecordVisit counts an accepted increment.
func RecordVisit() {
	visitsRecorded.Inc()
}

// RecordRead counts a served read by source ("in_memory" or "in_redis").
func RecordRead(source string) {
	readsTotal.WithLabelValues(source).Inc()
}

// RecordFlush tracks one successful per-key flush.
func RecordFlush(d time.Duration) {
	flushesTotal.Inc()
	flushDuration.Observe(d.Seconds())
}

// RecordFlushFailure tracks a flush whose delta stayed buffered.
func RecordFlushFailure() {
	flushFailures.Inc()
}

// SetBufferedKeys updates the unflushed key gauge.
func SetBufferedKeys(n int) {
	bufferedKeys.Set(float64(n))
}

// SetWorkerQueue updates the flush pool queue gauges.
func SetWorkerQueue(depth, capacity int) {
	workerQueueDepth.Set(float64(depth))
	workerQueueCapacity.Set(float64(capacity))
}

// SetWorkerDropped publishes the pool's cumulative dropped task count.
func SetWorkerDropped(n int64) {
	workerTasksDropped.Set(float64(n))
}

// SetCacheEntries updates the read cache size gauge.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordCacheEviction counts one size-cap eviction.
func RecordCacheEviction() {
	cacheEvictions.Inc()
}

// SetShardCount updates the ring membership gauge.
func SetShardCount(n int) {
	shardCount.Set(float64(n))
}

// RecordMigration tracks a topology change ("add" or "remove") and its
// per-key outcomes.
func RecordMigration(op string, moved, failed int) {
	migrationsTotal.WithLabelValues(op).Inc()
	if moved > 0 {
		migratedKeys.Add(float64(moved))
	}
	if failed > 0 {
		migrationFailures.Add(float64(failed))
	}
}

// RecordError tracks an error occurrence by type and severity.
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// SetSystemStats updates the process-level gauges.
func SetSystemStats(cpuPercent float64, memBytes uint64, goroutines int) {
	cpuUsagePercent.Set(cpuPercent)
	memoryUsageBytes.Set(float64(memBytes))
	goroutinesActive.Set(float64(goroutines))
}
