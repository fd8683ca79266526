package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// MetricSink receives flushed metric values. *store.Store satisfies it.
type MetricSink interface {
	RecordMetric(name string, value float64, data string) error
}

// Flusher periodically writes collector snapshots to a sink.
type Flusher struct {
	collector *Collector
	sink      MetricSink
	interval  time.Duration
	log       zerolog.Logger

	done chan struct{}
}

// NewFlusher wires a collector to a sink at the given interval.
func NewFlusher(collector *Collector, sink MetricSink, interval time.Duration, log zerolog.Logger) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Flusher{
		collector: collector,
		sink:      sink,
		interval:  interval,
		log:       log.With().Str("component", "metrics").Logger(),
		done:      make(chan struct{}),
	}
}

// Run flushes on a ticker until the context is cancelled. A final flush
// happens on shutdown so the last window is not lost.
func (f *Flusher) Run(ctx context.Context) {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Flush()
			return
		case <-ticker.C:
			f.Flush()
		}
	}
}

// Done is closed after Run has performed its final flush.
func (f *Flusher) Done() <-chan struct{} {
	return f.done
}

// Flush writes the current snapshot to the sink.
func (f *Flusher) Flush() {
	snap := f.collector.Snapshot()

	flush := func(name string, value float64, data string) {
		if err := f.sink.RecordMetric(name, value, data); err != nil {
			f.log.Warn().Err(err).Str("metric", name).Msg("Metric flush failed")
		}
	}

	methodData, _ := json.Marshal(snap.MethodCounts)
	errorData, _ := json.Marshal(snap.ErrorTypeCounts)

	flush("requests_total", float64(snap.TotalRequests), string(methodData))
	flush("requests_success", float64(snap.SuccessCount), "")
	flush("requests_failed", float64(snap.FailureCount), string(errorData))
	flush("latency_avg_ms", snap.Latency.AvgMS, "")
	flush("latency_p95_ms", snap.Latency.P95MS, "")
	flush("latency_p99_ms", snap.Latency.P99MS, "")
}
