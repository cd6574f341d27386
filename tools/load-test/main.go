package main

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	// Configuration
	base := "http://localhost:8080/api/v1"
	contentType := "application/json"

	numWorkers := 200
	assignmentsPerWorker := 10
	totalRequests := numWorkers * (1 + assignmentsPerWorker)
	concurrency := 50 // Number of concurrent requests to avoid local port exhaustion

	fmt.Printf("Starting load test: %d workers (%d assignments each) against %s with concurrency %d\n",
		numWorkers, assignmentsPerWorker, base, concurrency)

	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency) // Semaphore to limit concurrency

	var successCount int64
	var failCount int64

	count := func(resp *http.Response, err error) {
		if err != nil {
			atomic.AddInt64(&failCount, 1)
			return
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			atomic.AddInt64(&successCount, 1)
		} else {
			atomic.AddInt64(&failCount, 1)
		}
		resp.Body.Close()
	}

	startTime := time.Now()
	date := time.Now().Format("2006-01-02")

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		sem <- struct{}{} // Acquire token

		workerID := fmt.Sprintf("load-test-worker-%d", i)

		go func(wid string) {
			defer wg.Done()
			defer func() { <-sem }() // Release token

			payload := []byte(fmt.Sprintf(`{"date": "%s", "workerIds": ["%s"]}`, date, wid))
			count(http.Post(base+"/days/load", contentType, bytes.NewBuffer(payload)))

			for j := 0; j < assignmentsPerWorker; j++ {
				payload := []byte(fmt.Sprintf(
					`{"workerId": "%s", "assignedDate": "%s", "sortKey": "a%02d", "refType": "project", "refId": "load-test-project-%d"}`,
					wid, date, j, j))
				count(http.Post(base+"/assignments", contentType, bytes.NewBuffer(payload)))
			}
		}(workerID)
	}

	wg.Wait()
	duration := time.Since(startTime)

	fmt.Println("\n--- Load Test Results ---")
	fmt.Printf("Total Duration: %v\n", duration)
	fmt.Printf("Total Requests: %d\n", totalRequests)
	fmt.Printf("Successful:     %d\n", successCount)
	fmt.Printf("Failed:         %d\n", failCount)
	fmt.Printf("Requests/Sec:   %.2f\n", float64(totalRequests)/duration.Seconds())
}
