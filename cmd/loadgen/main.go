// loadgen submits task cohorts to a running dispatchd server and measures
// end-to-end join latency. Point it at ./cmd/testserver or a real server.
// Usage: go run ./cmd/loadgen -addr http://localhost:8080 -cohorts 10 -size 20
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type taskSubmission struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type cohortSubmission struct {
	Tasks []taskSubmission `json:"tasks"`
}

type cohortCreated struct {
	Cohort struct {
		ID string `json:"id"`
	} `json:"cohort"`
}

type joinResult struct {
	cohortID string
	latency  time.Duration
	err      error
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "dispatchd base URL")
	cohorts := flag.Int("cohorts", 5, "number of cohorts to submit")
	size := flag.Int("size", 10, "tasks per cohort")
	kind := flag.String("kind", "shell", "task kind to submit")
	command := flag.String("command", "echo load", "shell command for each task")
	concurrency := flag.Int("concurrency", 2, "cohorts in flight at once")
	flag.Parse()

	payload, err := json.Marshal(map[string]string{"command": *command})
	if err != nil {
		log.Fatalf("marshal payload: %v", err)
	}

	body := cohortSubmission{Tasks: make([]taskSubmission, *size)}
	for i := range body.Tasks {
		body.Tasks[i] = taskSubmission{Kind: *kind, Payload: payload}
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal cohort: %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Minute}

	jobs := make(chan int)
	results := make(chan joinResult, *cohorts)

	var wg sync.WaitGroup
	for range *concurrency {
		wg.Go(func() {
			for range jobs {
				results <- submitAndJoin(client, *addr, bodyJSON)
			}
		})
	}

	start := time.Now()
	go func() {
		for i := 0; i < *cohorts; i++ {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	var latencies []time.Duration
	failures := 0
	for res := range results {
		if res.err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "cohort failed: %v\n", res.err)
			continue
		}
		latencies = append(latencies, res.latency)
		fmt.Printf("cohort %s joined in %v\n", res.cohortID, res.latency)
	}
	elapsed := time.Since(start)

	fmt.Printf("\n%d cohorts x %d tasks in %v (%d failed)\n", *cohorts, *size, elapsed.Round(time.Millisecond), failures)
	if len(latencies) > 0 {
		min, max, total := latencies[0], latencies[0], time.Duration(0)
		for _, l := range latencies {
			if l < min {
				min = l
			}
			if l > max {
				max = l
			}
			total += l
		}
		avg := total / time.Duration(len(latencies))
		fmt.Printf("join latency min=%v avg=%v max=%v\n",
			min.Round(time.Millisecond), avg.Round(time.Millisecond), max.Round(time.Millisecond))
	}
	if failures > 0 {
		os.Exit(1)
	}
}

// submitAndJoin creates one cohort and blocks on its join endpoint, returning
// the elapsed time from submission to joint completion.
func submitAndJoin(client *http.Client, baseURL string, body []byte) joinResult {
	start := time.Now()

	resp, err := client.Post(baseURL+"/v1/cohorts", "application/json", bytes.NewReader(body))
	if err != nil {
		return joinResult{err: fmt.Errorf("submit: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return joinResult{err: fmt.Errorf("submit: unexpected status %d", resp.StatusCode)}
	}

	var created cohortCreated
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return joinResult{err: fmt.Errorf("decode submit response: %w", err)}
	}

	joinResp, err := client.Post(baseURL+"/v1/cohorts/"+created.Cohort.ID+"/join", "application/json", nil)
	if err != nil {
		return joinResult{cohortID: created.Cohort.ID, err: fmt.Errorf("join: %w", err)}
	}
	defer joinResp.Body.Close()

	if joinResp.StatusCode != http.StatusOK {
		return joinResult{cohortID: created.Cohort.ID, err: fmt.Errorf("join: unexpected status %d", joinResp.StatusCode)}
	}

	return joinResult{cohortID: created.Cohort.ID, latency: time.Since(start)}
}
