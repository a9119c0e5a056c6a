// Load generator for the token API. The "redeem" workload points every
// worker at a small shared code space (seed BENCH0..BENCH99 first) to
// measure contention behavior: for each code exactly one 200 should come
// back and everything else 404/409.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	bearerToken string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64
	conflict409   uint64
	notFound404   uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8787", "API Base URL")
	flag.StringVar(&bearerToken, "token", "", "Bearer token of the benchmark account")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "balance", "Workload type: balance | redeem")
}

func main() {
	flag.Parse()
	if bearerToken == "" {
		log.Fatal("-token is required (register an account and log in first)")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		var (
			req *http.Request
			err error
		)
		switch workload {
		case "redeem":
			// All workers fight over a small code space; most attempts
			// lose to a prior consumer.
			body, _ := json.Marshal(map[string]string{
				"code": fmt.Sprintf("BENCH%d", rand.Intn(100)),
			})
			req, err = http.NewRequest(http.MethodPost, targetURL+"/api/v1/redeem", bytes.NewReader(body))
			if req != nil {
				req.Header.Set("Content-Type", "application/json")
			}
		default:
			req, err = http.NewRequest(http.MethodGet, targetURL+"/api/v1/balance", nil)
		}
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		req.Header.Set("Authorization", "Bearer "+bearerToken)

		resp, err := client.Do(req)
		atomic.AddUint64(&totalRequests, 1)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&conflict409, 1)
		case http.StatusNotFound:
			atomic.AddUint64(&notFound404, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func printResults(elapsed time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	log.Println("--- Results ---")
	log.Printf("Elapsed:        %s", elapsed)
	log.Printf("Total requests: %d (%.0f req/s)", total, float64(total)/elapsed.Seconds())
	log.Printf("200 OK:         %d", atomic.LoadUint64(&success200))
	log.Printf("409 Conflict:   %d", atomic.LoadUint64(&conflict409))
	log.Printf("404 Not Found:  %d", atomic.LoadUint64(&notFound404))
	log.Printf("Other/errors:   %d", atomic.LoadUint64(&failOther))
}
