package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Config for the visit traffic generator
type Config struct {
	BaseURL            string
	HealthURL          string
	Workers            int
	RampRate           int // workers started per second
	SustainDurationSec int
	ReportIntervalSec  int
	HealthCheckSec     int
	Pages              int     // distinct page ids to spread traffic over
	ReadRatio          float64 // fraction of requests that are reads (0.0 - 1.0)
	TimeoutMS          int
}

// State tracks test metrics
type State struct {
	activeWorkers int64
	totalRequests int64
	visits        int64
	reads         int64
	failed        int64

	servedMemory int64 // reads answered in_memory
	servedRedis  int64 // reads answered in_redis

	lastHealth *HealthResponse
	healthMu   sync.RWMutex

	lat latencySampler

	startTime time.Time
	phase     string // "ramping", "sustaining", "completed"
}

// HealthResponse mirrors the server's /health payload
type HealthResponse struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
	Checks  struct {
		Shards struct {
			Count int `json:"count"`
		} `json:"shards"`
		Pipeline struct {
			BufferedKeys int   `json:"buffered_keys"`
			QueueDepth   int   `json:"queue_depth"`
			DroppedTasks int64 `json:"dropped_tasks"`
		} `json:"pipeline"`
	} `json:"checks"`
}

// latencySampler keeps the most recent samples for percentile reporting
type latencySampler struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
}

const maxLatencySamples = 10000

func (l *latencySampler) record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) < maxLatencySamples {
		l.samples = append(l.samples, d)
		return
	}
	l.samples[l.next] = d
	l.next = (l.next + 1) % maxLatencySamples
}

func (l *latencySampler) percentiles() (p50, p95, p99, max time.Duration) {
	l.mu.Lock()
	sorted := make([]time.Duration, len(l.samples))
	copy(sorted, l.samples)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]
	return
}

var (
	state  *State
	config *Config
	client *http.Client
)

func parseFlags() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.BaseURL, "url", "http://localhost:8000", "server base URL")
	flag.IntVar(&cfg.Workers, "workers", 50, "concurrent request workers")
	flag.IntVar(&cfg.RampRate, "ramp", 10, "workers started per second")
	flag.IntVar(&cfg.SustainDurationSec, "sustain", 60, "sustain duration after ramp (seconds)")
	flag.IntVar(&cfg.ReportIntervalSec, "report", 5, "progress report interval (seconds)")
	flag.IntVar(&cfg.HealthCheckSec, "health", 10, "health poll interval (seconds)")
	flag.IntVar(&cfg.Pages, "pages", 100, "distinct page ids")
	flag.Float64Var(&cfg.ReadRatio, "reads", 0.3, "fraction of requests that are reads")
	flag.IntVar(&cfg.TimeoutMS, "timeout", 5000, "per-request timeout (milliseconds)")
	flag.Parse()

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.HealthURL = cfg.BaseURL + "/health"
	return cfg
}

func main() {
	config = parseFlags()
	state = &State{startTime: time.Now(), phase: "ramping"}
	client = &http.Client{
		Timeout: time.Duration(config.TimeoutMS) * time.Millisecond,
		Transport: &http.Transport{
			MaxIdleConns:        config.Workers * 2,
			MaxIdleConnsPerHost: config.Workers * 2,
		},
	}

	log.Printf("\n" + strings.Repeat("=", 80))
	log.Printf("🧪 VISIT COUNTER LOAD TEST")
	log.Printf(strings.Repeat("=", 80))
	log.Printf("\n📋 Configuration:")
	log.Printf("   Server:       %s", config.BaseURL)
	log.Printf("   Workers:      %d (ramp %d/sec)", config.Workers, config.RampRate)
	log.Printf("   Sustain:      %ds", config.SustainDurationSec)
	log.Printf("   Pages:        %d distinct ids", config.Pages)
	log.Printf("   Read Ratio:   %.0f%% reads / %.0f%% visits", config.ReadRatio*100, (1-config.ReadRatio)*100)
	log.Printf("\n" + strings.Repeat("=", 80) + "\n")

	log.Printf("🏥 Performing initial health check...")
	if err := checkServerHealth(); err != nil {
		log.Fatalf("❌ Server health check failed: %v", err)
	}
	log.Printf("✅ Server healthy, starting ramp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("\n🛑 Received shutdown signal, stopping workers...")
		cancel()
	}()

	go periodicHealthChecks(ctx)
	go periodicReports(ctx)

	var wg sync.WaitGroup
	rampUp(ctx, &wg)

	if state.phase == "sustaining" {
		log.Printf("🔒 Sustaining load for %ds...", config.SustainDurationSec)
		select {
		case <-time.After(time.Duration(config.SustainDurationSec) * time.Second):
			state.phase = "completed"
		case <-ctx.Done():
			log.Printf("⚠️  Sustain phase interrupted")
		}
	}

	cancel()
	wg.Wait()
	finalReport()
}

// rampUp starts workers at RampRate per second until Workers are running.
func rampUp(ctx context.Context, wg *sync.WaitGroup) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	started := 0
	for started < config.Workers {
		batch := config.RampRate
		if remaining := config.Workers - started; batch > remaining {
			batch = remaining
		}
		for i := 0; i < batch; i++ {
			wg.Add(1)
			go worker(ctx, wg, started+i)
		}
		started += batch
		atomic.StoreInt64(&state.activeWorkers, int64(started))

		if started >= config.Workers {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
	state.phase = "sustaining"
	log.Printf("✅ Ramp complete: %d workers running", started)
}

// worker fires visit and read requests in a closed loop.
func worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		page := fmt.Sprintf("page-%d", rng.Intn(config.Pages))
		if rng.Float64() < config.ReadRatio {
			doRead(ctx, page)
		} else {
			doVisit(ctx, page)
		}
	}
}

func doVisit(ctx context.Context, page string) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.BaseURL+"/visit/"+page, nil)
	if err != nil {
		atomic.AddInt64(&state.failed, 1)
		return
	}
	resp, err := client.Do(req)
	atomic.AddInt64(&state.totalRequests, 1)
	if err != nil {
		atomic.AddInt64(&state.failed, 1)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&state.failed, 1)
		return
	}
	atomic.AddInt64(&state.visits, 1)
	state.lat.record(time.Since(start))
}

func doRead(ctx context.Context, page string) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.BaseURL+"/visits/"+page, nil)
	if err != nil {
		atomic.AddInt64(&state.failed, 1)
		return
	}
	resp, err := client.Do(req)
	atomic.AddInt64(&state.totalRequests, 1)
	if err != nil {
		atomic.AddInt64(&state.failed, 1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		atomic.AddInt64(&state.failed, 1)
		return
	}

	var body struct {
		Count     int64  `json:"count"`
		ServedVia string `json:"served_via"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		atomic.AddInt64(&state.failed, 1)
		return
	}
	atomic.AddInt64(&state.reads, 1)
	switch body.ServedVia {
	case "in_memory":
		atomic.AddInt64(&state.servedMemory, 1)
	case "in_redis":
		atomic.AddInt64(&state.servedRedis, 1)
	}
	state.lat.record(time.Since(start))
}

func checkServerHealth() error {
	resp, err := client.Get(config.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	state.healthMu.Lock()
	state.lastHealth = &health
	state.healthMu.Unlock()

	if !health.Healthy {
		return fmt.Errorf("server reports %s", health.Status)
	}
	return nil
}

func periodicHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.HealthCheckSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServerHealth(); err != nil {
				log.Printf("⚠️  Health check: %v", err)
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.ReportIntervalSec) * time.Second)
	defer ticker.Stop()

	var lastTotal int64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := atomic.LoadInt64(&state.totalRequests)
			now := time.Now()
			rps := float64(total-lastTotal) / now.Sub(lastTime).Seconds()
			lastTotal = total
			lastTime = now

			p50, p95, p99, _ := state.lat.percentiles()

			var healthNote string
			state.healthMu.RLock()
			if h := state.lastHealth; h != nil {
				healthNote = fmt.Sprintf(" | server %s, %d shards, %d buffered",
					h.Status, h.Checks.Shards.Count, h.Checks.Pipeline.BufferedKeys)
			}
			state.healthMu.RUnlock()

			log.Printf("📈 [%s] %.0f req/s | total %d | visits %d | reads %d | failed %d | p50 %v p95 %v p99 %v%s",
				state.phase, rps, total,
				atomic.LoadInt64(&state.visits),
				atomic.LoadInt64(&state.reads),
				atomic.LoadInt64(&state.failed),
				p50.Round(time.Millisecond), p95.Round(time.Millisecond), p99.Round(time.Millisecond),
				healthNote)
		}
	}
}

func finalReport() {
	elapsed := time.Since(state.startTime)
	total := atomic.LoadInt64(&state.totalRequests)
	visits := atomic.LoadInt64(&state.visits)
	reads := atomic.LoadInt64(&state.reads)
	failed := atomic.LoadInt64(&state.failed)
	memory := atomic.LoadInt64(&state.servedMemory)
	redis := atomic.LoadInt64(&state.servedRedis)
	p50, p95, p99, max := state.lat.percentiles()

	log.Printf("\n" + strings.Repeat("=", 80))
	log.Printf("📊 FINAL REPORT")
	log.Printf(strings.Repeat("=", 80))
	log.Printf("   Duration:     %v", elapsed.Round(time.Second))
	log.Printf("   Requests:     %d (%.0f req/s average)", total, float64(total)/elapsed.Seconds())
	log.Printf("   Visits:       %d", visits)
	log.Printf("   Reads:        %d", reads)
	log.Printf("   Failed:       %d (%.2f%%)", failed, pct(failed, total))
	if reads > 0 {
		log.Printf("   Cache hits:   %d in_memory (%.1f%%) / %d in_redis", memory, pct(memory, memory+redis), redis)
	}
	log.Printf("   Latency:      p50 %v | p95 %v | p99 %v | max %v",
		p50.Round(time.Millisecond), p95.Round(time.Millisecond),
		p99.Round(time.Millisecond), max.Round(time.Millisecond))
	log.Printf(strings.Repeat("=", 80))

	if failed > 0 && pct(failed, total) > 1.0 {
		log.Printf("❌ FAIL: error rate above 1%%")
		os.Exit(1)
	}
	log.Printf("✅ PASS")
}

func pct(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
