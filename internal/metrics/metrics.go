package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and job processing.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobsSubmitted   int64
	jobTransitions  = make(map[string]int64)
	jobRetries      int64
	jobFailures     = make(map[failKey]int64)
	stageDurMsSum   = make(map[string]int64)
	stageDurMsCount = make(map[string]int64)

	retentionJobsDeleted = make(map[string]int64)
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type failKey struct {
	Kind  string
	Stage string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordSubmission increments the count of accepted simulation requests.
func RecordSubmission() {
	mu.Lock()
	defer mu.Unlock()
	jobsSubmitted++
}

// RecordTransition counts a job entering the given state.
func RecordTransition(state string) {
	mu.Lock()
	defer mu.Unlock()
	jobTransitions[state]++
}

// RecordRetry counts a job re-enqueued for another attempt.
func RecordRetry() {
	mu.Lock()
	defer mu.Unlock()
	jobRetries++
}

// RecordFailure counts a terminal failure by kind and stage.
func RecordFailure(kind, stage string) {
	mu.Lock()
	defer mu.Unlock()
	jobFailures[failKey{Kind: kind, Stage: stage}]++
}

// RecordStageDuration records how long one stage execution took.
func RecordStageDuration(stage string, durationMs int64) {
	mu.Lock()
	defer mu.Unlock()
	stageDurMsSum[stage] += durationMs
	stageDurMsCount[stage]++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL for
// a given terminal state.
func RecordRetentionJobs(state string, deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted[state] += deleted
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP floodtwin_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE floodtwin_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "floodtwin_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP floodtwin_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE floodtwin_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP floodtwin_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE floodtwin_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		sum := latencyMsSum[k]
		cnt := latencyMsCount[k]
		fmt.Fprintf(&b, "floodtwin_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, sum)
		fmt.Fprintf(&b, "floodtwin_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, cnt)
	}

	// Job lifecycle metrics
	b.WriteString("# HELP floodtwin_jobs_submitted_total Total simulation requests accepted\n")
	b.WriteString("# TYPE floodtwin_jobs_submitted_total counter\n")
	fmt.Fprintf(&b, "floodtwin_jobs_submitted_total %d\n", jobsSubmitted)

	b.WriteString("# HELP floodtwin_job_transitions_total Total job state transitions by target state\n")
	b.WriteString("# TYPE floodtwin_job_transitions_total counter\n")

	var states []string
	for s := range jobTransitions {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(&b, "floodtwin_job_transitions_total{state=\"%s\"} %d\n", s, jobTransitions[s])
	}

	b.WriteString("# HELP floodtwin_job_retries_total Total jobs re-enqueued for another attempt\n")
	b.WriteString("# TYPE floodtwin_job_retries_total counter\n")
	fmt.Fprintf(&b, "floodtwin_job_retries_total %d\n", jobRetries)

	b.WriteString("# HELP floodtwin_job_failures_total Terminal job failures by kind and stage\n")
	b.WriteString("# TYPE floodtwin_job_failures_total counter\n")

	var failKeys []failKey
	for k := range jobFailures {
		failKeys = append(failKeys, k)
	}
	sort.Slice(failKeys, func(i, j int) bool {
		if failKeys[i].Kind != failKeys[j].Kind {
			return failKeys[i].Kind < failKeys[j].Kind
		}
		return failKeys[i].Stage < failKeys[j].Stage
	})
	for _, k := range failKeys {
		fmt.Fprintf(&b, "floodtwin_job_failures_total{kind=\"%s\",stage=\"%s\"} %d\n",
			k.Kind, k.Stage, jobFailures[k])
	}

	b.WriteString("# HELP floodtwin_stage_duration_ms_sum Total stage execution time in milliseconds\n")
	b.WriteString("# TYPE floodtwin_stage_duration_ms_sum counter\n")
	b.WriteString("# HELP floodtwin_stage_duration_ms_count Stage execution count for duration metric\n")
	b.WriteString("# TYPE floodtwin_stage_duration_ms_count counter\n")

	var stages []string
	for s := range stageDurMsSum {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	for _, s := range stages {
		fmt.Fprintf(&b, "floodtwin_stage_duration_ms_sum{stage=\"%s\"} %d\n", s, stageDurMsSum[s])
		fmt.Fprintf(&b, "floodtwin_stage_duration_ms_count{stage=\"%s\"} %d\n", s, stageDurMsCount[s])
	}

	// Retention metrics
	b.WriteString("# HELP floodtwin_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE floodtwin_retention_jobs_deleted_total counter\n")

	var delStates []string
	for s := range retentionJobsDeleted {
		delStates = append(delStates, s)
	}
	sort.Strings(delStates)
	for _, s := range delStates {
		fmt.Fprintf(&b, "floodtwin_retention_jobs_deleted_total{state=\"%s\"} %d\n", s, retentionJobsDeleted[s])
	}

	return b.String()
}

// Reset clears all counters. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	requestsTotal = make(map[reqKey]int64)
	latencyMsSum = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)
	jobsSubmitted = 0
	jobTransitions = make(map[string]int64)
	jobRetries = 0
	jobFailures = make(map[failKey]int64)
	stageDurMsSum = make(map[string]int64)
	stageDurMsCount = make(map[string]int64)
	retentionJobsDeleted = make(map[string]int64)
}
