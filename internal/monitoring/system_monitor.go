package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent  float64   // Current CPU usage percentage
	MemoryBytes uint64    // Current process RSS in bytes
	MemoryMB    float64   // Current process RSS in MB
	Goroutines  int       // Current goroutine count
	Timestamp   time.Time // When these metrics were captured
}

// SystemMonitor samples process resources on a fixed interval and feeds
// both the Prometheus gauges and the /health endpoint.
//
// One monitor per process. Measure once, query many times: components read
// the latest snapshot via GetMetrics instead of sampling on their own.
type SystemMonitor struct {
	logger zerolog.Logger
	proc   *process.Process

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor builds a monitor for the current process.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get process info, falling back to system memory")
		proc = nil
	}

	return &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
		proc:   proc,
		ctx:    ctx,
		cancel: cancel,
		metrics: SystemMetrics{
			Timestamp: time.Now(),
		},
	}
}

// Start begins periodic metric updates. Call once during startup.
func (sm *SystemMonitor) Start(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().
			Dur("interval", interval).
			Msg("SystemMonitor started")

		// Prime the CPU counter so the first ticked sample has a baseline.
		cpu.Percent(0, false)
		sm.update()

		for {
			select {
			case <-ticker.C:
				sm.update()
			case <-sm.ctx.Done():
				sm.logger.Info().Msg("SystemMonitor stopped")
				return
			}
		}
	}()
}

// update performs a single measurement of all tracked resources.
func (sm *SystemMonitor) update() {
	// Usage since the previous call; non-blocking.
	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var memBytes uint64
	if sm.proc != nil {
		if memInfo, err := sm.proc.MemoryInfo(); err == nil {
			memBytes = memInfo.RSS
		}
	}
	if memBytes == 0 {
		if vmem, err := mem.VirtualMemory(); err == nil {
			memBytes = vmem.Used
		}
	}

	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: memBytes,
		MemoryMB:    float64(memBytes) / (1024 * 1024),
		Goroutines:  goroutines,
		Timestamp:   time.Now(),
	}
	sm.mu.Unlock()

	SetSystemStats(cpuPercent, memBytes, goroutines)

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_mb", float64(memBytes)/(1024*1024)).
		Int("goroutines", goroutines).
		Msg("System metrics updated")
}

// GetMetrics returns a copy of the latest snapshot.
func (sm *SystemMonitor) GetMetrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// Stop halts sampling. Blocks until the sampling goroutine exits.
func (sm *SystemMonitor) Stop() {
	sm.cancel()
	sm.wg.Wait()
}
