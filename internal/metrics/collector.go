// Package metrics keeps in-memory service counters and latency samples,
// periodically flushed to the store for historical queries.
package metrics

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultWindowSize bounds the latency sample buffer used for percentiles.
const DefaultWindowSize = 1000

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	TotalRequests   int64              `json:"total_requests"`
	SuccessCount    int64              `json:"success_count"`
	FailureCount    int64              `json:"failure_count"`
	MethodCounts    map[string]int64   `json:"method_counts"`
	ErrorTypeCounts map[string]int64   `json:"error_type_counts"`
	WorkerCounts    map[string]int64   `json:"worker_counts"`
	Latency         LatencySummary     `json:"latency"`
	UptimeSeconds   float64            `json:"uptime_seconds"`
	StartedAt       time.Time          `json:"started_at"`
}

// LatencySummary describes the current latency window in milliseconds.
type LatencySummary struct {
	SampleCount int     `json:"sample_count"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	MaxMS       float64 `json:"max_ms"`
}

// Collector accumulates request outcomes. All methods are safe for
// concurrent use; a single mutex guards every field since updates are
// cheap relative to request dispatch.
type Collector struct {
	mu sync.Mutex

	totalRequests   int64
	successCount    int64
	failureCount    int64
	methodCounts    map[string]int64
	errorTypeCounts map[string]int64
	workerCounts    map[string]int64

	// Ring buffer of recent processing times (ms).
	latencies  []float64
	latencyIdx int
	windowSize int

	startedAt time.Time
}

// NewCollector creates a collector with the given latency window size.
// Non-positive sizes fall back to DefaultWindowSize.
func NewCollector(windowSize int) *Collector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Collector{
		methodCounts:    make(map[string]int64),
		errorTypeCounts: make(map[string]int64),
		workerCounts:    make(map[string]int64),
		latencies:       make([]float64, 0, windowSize),
		windowSize:      windowSize,
		startedAt:       time.Now(),
	}
}

// RecordRequest counts a completed request. errorType is empty for
// successful requests; workerID is empty for requests rejected before
// dispatch (validation failures, no workers available).
func (c *Collector) RecordRequest(method string, success bool, processingMS float64, workerID, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	if success {
		c.successCount++
	} else {
		c.failureCount++
		if errorType != "" {
			c.errorTypeCounts[errorType]++
		}
	}
	if method != "" {
		c.methodCounts[method]++
	}
	if workerID != "" {
		c.workerCounts[workerID]++
	}
	if processingMS >= 0 {
		c.recordLatencyLocked(processingMS)
	}
}

func (c *Collector) recordLatencyLocked(ms float64) {
	if len(c.latencies) < c.windowSize {
		c.latencies = append(c.latencies, ms)
		return
	}
	c.latencies[c.latencyIdx] = ms
	c.latencyIdx = (c.latencyIdx + 1) % c.windowSize
}

// Snapshot returns a consistent copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		TotalRequests:   c.totalRequests,
		SuccessCount:    c.successCount,
		FailureCount:    c.failureCount,
		MethodCounts:    make(map[string]int64, len(c.methodCounts)),
		ErrorTypeCounts: make(map[string]int64, len(c.errorTypeCounts)),
		WorkerCounts:    make(map[string]int64, len(c.workerCounts)),
		Latency:         c.latencySummaryLocked(),
		UptimeSeconds:   time.Since(c.startedAt).Seconds(),
		StartedAt:       c.startedAt,
	}
	for k, v := range c.methodCounts {
		snap.MethodCounts[k] = v
	}
	for k, v := range c.errorTypeCounts {
		snap.ErrorTypeCounts[k] = v
	}
	for k, v := range c.workerCounts {
		snap.WorkerCounts[k] = v
	}
	return snap
}

func (c *Collector) latencySummaryLocked() LatencySummary {
	n := len(c.latencies)
	if n == 0 {
		return LatencySummary{}
	}

	sorted := make([]float64, n)
	copy(sorted, c.latencies)
	sort.Float64s(sorted)

	return LatencySummary{
		SampleCount: n,
		AvgMS:       stat.Mean(sorted, nil),
		P50MS:       stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P95MS:       stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99MS:       stat.Quantile(0.99, stat.Empirical, sorted, nil),
		MaxMS:       sorted[n-1],
	}
}

// SuccessRate returns the fraction of successful requests, or 1 when
// nothing has been recorded yet.
func (c *Collector) SuccessRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalRequests == 0 {
		return 1
	}
	return float64(c.successCount) / float64(c.totalRequests)
}

// Reset zeroes all counters and samples. Counters are cumulative for the
// process lifetime; Reset exists for tests.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests = 0
	c.successCount = 0
	c.failureCount = 0
	c.methodCounts = make(map[string]int64)
	c.errorTypeCounts = make(map[string]int64)
	c.workerCounts = make(map[string]int64)
	c.latencies = c.latencies[:0]
	c.latencyIdx = 0
	c.startedAt = time.Now()
}
