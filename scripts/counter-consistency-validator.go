// Consistency validator for the visit counter API.
//
// Writes a known number of visits to fresh page ids, reads every counter
// back and fails if any count disagrees. Run it against a live server
// after deploys or shard topology changes:
//
//	go run counter-consistency-validator.go -url http://localhost:8000 -pages 50 -visits 20
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BaseURL     string
	Pages       int
	Visits      int // visits per page
	Concurrency int
	Prefix      string
	TimeoutMS   int
}

var client *http.Client

func main() {
	cfg := &Config{}
	flag.StringVar(&cfg.BaseURL, "url", "http://localhost:8000", "server base URL")
	flag.IntVar(&cfg.Pages, "pages", 50, "distinct pages to validate")
	flag.IntVar(&cfg.Visits, "visits", 20, "visits recorded per page")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "concurrent request workers")
	flag.StringVar(&cfg.Prefix, "prefix", "", "page id prefix (default: unique per run)")
	flag.IntVar(&cfg.TimeoutMS, "timeout", 5000, "per-request timeout (milliseconds)")
	flag.Parse()

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = fmt.Sprintf("consistency-%d", time.Now().UnixNano())
	}
	client = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}

	log.Printf("\n" + strings.Repeat("=", 70))
	log.Printf("🔍 VISIT COUNTER CONSISTENCY VALIDATOR")
	log.Printf(strings.Repeat("=", 70))
	log.Printf("   Server:      %s", cfg.BaseURL)
	log.Printf("   Pages:       %d", cfg.Pages)
	log.Printf("   Visits:      %d per page (%d total)", cfg.Visits, cfg.Pages*cfg.Visits)
	log.Printf("   Prefix:      %s", cfg.Prefix)
	log.Printf(strings.Repeat("=", 70) + "\n")

	if err := checkHealth(cfg); err != nil {
		log.Fatalf("❌ Server not healthy: %v", err)
	}
	log.Printf("✅ Server healthy")

	pages := make([]string, cfg.Pages)
	for i := range pages {
		pages[i] = fmt.Sprintf("%s-page-%d", cfg.Prefix, i)
	}

	// Baseline reads so reused prefixes still validate.
	log.Printf("📖 Reading baselines...")
	baselines := make(map[string]int64, len(pages))
	for _, page := range pages {
		count, _, err := getCount(cfg, page)
		if err != nil {
			log.Fatalf("❌ Baseline read for %s failed: %v", page, err)
		}
		baselines[page] = count
	}

	log.Printf("✍️  Recording %d visits across %d pages...", cfg.Pages*cfg.Visits, cfg.Pages)
	start := time.Now()
	var failed int64
	jobs := make(chan string, cfg.Concurrency)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for page := range jobs {
				if err := postVisit(cfg, page); err != nil {
					atomic.AddInt64(&failed, 1)
				}
			}
		}()
	}
	for _, page := range pages {
		for v := 0; v < cfg.Visits; v++ {
			jobs <- page
		}
	}
	close(jobs)
	wg.Wait()
	log.Printf("✅ Writes done in %v (%d failed)", time.Since(start).Round(time.Millisecond), failed)
	if failed > 0 {
		log.Fatalf("❌ %d visit requests failed, aborting validation", failed)
	}

	log.Printf("🔁 Reading counters back...")
	mismatches := 0
	cacheHits := 0
	for _, page := range pages {
		expected := baselines[page] + int64(cfg.Visits)

		got, _, err := getCount(cfg, page)
		if err != nil {
			log.Printf("❌ %s: read failed: %v", page, err)
			mismatches++
			continue
		}
		if got != expected {
			log.Printf("❌ %s: count %d, expected %d (baseline %d + %d visits)",
				page, got, expected, baselines[page], cfg.Visits)
			mismatches++
			continue
		}

		// Immediate second read must come from the fresh cache.
		got2, source, err := getCount(cfg, page)
		if err == nil && source == "in_memory" && got2 == expected {
			cacheHits++
		}
	}

	log.Printf("\n" + strings.Repeat("=", 70))
	if mismatches == 0 {
		log.Printf("✅ PASS: all %d counters consistent, %d/%d cached re-reads", cfg.Pages, cacheHits, cfg.Pages)
		log.Printf(strings.Repeat("=", 70))
		return
	}
	log.Printf("❌ FAIL: %d of %d counters inconsistent", mismatches, cfg.Pages)
	log.Printf(strings.Repeat("=", 70))
	os.Exit(1)
}

func postVisit(cfg *Config, page string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/visit/"+page, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func getCount(cfg *Config, page string) (int64, string, error) {
	resp, err := client.Get(cfg.BaseURL + "/visits/" + page)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Count     int64  `json:"count"`
		ServedVia string `json:"served_via"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, "", err
	}
	return out.Count, out.ServedVia, nil
}

func checkHealth(cfg *Config) error {
	resp, err := client.Get(cfg.BaseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health struct {
		Status  string `json:"status"`
		Healthy bool   `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}
	if !health.Healthy {
		return fmt.Errorf("server reports %s", health.Status)
	}
	return nil
}
