package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/ledgerjobs/internal/jobs"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
)

// Config holds the benchmark settings
var (
	targetURL   string
	secret      string
	concurrency int
	rounds      int
)

// Metrics
var (
	totalRequests uint64
	success200    uint64
	fail401       uint64
	fail500       uint64
	failOther     uint64

	processed uint64 // Sum of "processed" over every 200 response
	skipped   uint64
	failed    uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&secret, "secret", os.Getenv("CRON_SECRET"), "Cron bearer secret")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent trigger calls per round")
	flag.IntVar(&rounds, "rounds", 3, "Number of overlapping rounds")
}

func main() {
	flag.Parse()
	logger := logging.NewLoggerWithService("benchmark")
	logger.WithFields(logging.Fields{"workers": concurrency, "rounds": rounds}).Info("Starting Benchmark")

	start := time.Now()
	for round := 0; round < rounds; round++ {
		var wg sync.WaitGroup
		wg.Add(concurrency)
		for i := 0; i < concurrency; i++ {
			go trigger(&wg)
		}
		wg.Wait()
	}
	printResults(time.Since(start))
}

// trigger fires one recurring run. All calls in a round overlap, so the sum of
// processed items across them must equal what a single call would process.
func trigger(wg *sync.WaitGroup) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Minute}

	req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/cron/recurring", nil)
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddUint64(&success200, 1)
		var report jobs.RecurringReport
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			atomic.AddUint64(&failOther, 1)
			return
		}
		atomic.AddUint64(&processed, uint64(report.Processed))
		atomic.AddUint64(&skipped, uint64(report.Skipped))
		atomic.AddUint64(&failed, uint64(report.FailedCount))
	case http.StatusUnauthorized:
		atomic.AddUint64(&fail401, 1)
	case http.StatusInternalServerError:
		atomic.AddUint64(&fail500, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	results := map[string]interface{}{
		"duration_sec":    d.Seconds(),
		"total_requests":  atomic.LoadUint64(&totalRequests),
		"success":         atomic.LoadUint64(&success200),
		"unauthorized":    atomic.LoadUint64(&fail401),
		"server_errors":   atomic.LoadUint64(&fail500),
		"errors":          atomic.LoadUint64(&failOther),
		"items_processed": atomic.LoadUint64(&processed),
		"items_skipped":   atomic.LoadUint64(&skipped),
		"items_failed":    atomic.LoadUint64(&failed),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_recurring_%d.json", time.Now().Unix())
	file, err := os.Create(filename)
	if err != nil {
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
