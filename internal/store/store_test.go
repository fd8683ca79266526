package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDBCounter int64

// newTestStore opens a fresh in-memory database per test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	n := atomic.AddInt64(&testDBCounter, 1)
	s, err := Open(Config{
		Path: fmt.Sprintf("file:storetest%d?mode=memory&cache=shared", n),
		Log:  zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenBootstrapsSchema(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"request_logs", "service_metrics", "worker_status", "service_config"} {
		var name string
		err := s.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		require.NoError(t, err, "expected table %s", table)
		assert.Equal(t, table, name)
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.HealthCheck(context.Background()))
}

func TestLogRequestAndGetRequest(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogRequest("req-1", "health.check", `{"method":"health.check"}`, "client-a", "worker-1"))

	entry, err := s.GetRequest("req-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, "health.check", entry.Method)
	assert.Equal(t, "worker-1", entry.WorkerID)
	assert.Equal(t, "client-a", entry.ClientID)
	assert.Equal(t, "processing", entry.Status)
	assert.Nil(t, entry.ProcessingTimeMS)
	assert.Nil(t, entry.CompletedAt)
}

func TestBuildConnectionString(t *testing.T) {
	plain := buildConnectionString("/data/tacore.db")
	assert.True(t, strings.HasPrefix(plain, "/data/tacore.db?_pragma="))
	assert.Equal(t, 1, strings.Count(plain, "?"))

	// file: URIs with existing query parameters join pragmas with &.
	uri := buildConnectionString("file:memtest?mode=memory&cache=shared")
	assert.True(t, strings.HasPrefix(uri, "file:memtest?mode=memory&cache=shared&_pragma="))
	assert.Equal(t, 1, strings.Count(uri, "?"))
}

func TestReLogKeepsRecordedIdentity(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogRequest("req-relog", "health.check", `{"a":1}`, "client-a", "worker-1"))
	// The worker re-logs without a client identity; the broker's record
	// must survive.
	require.NoError(t, s.LogRequest("req-relog", "health.check", `{"a":1}`, "", "worker-1"))

	entry, err := s.GetRequest("req-relog")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "client-a", entry.ClientID)
	assert.Equal(t, "worker-1", entry.WorkerID)
	assert.Equal(t, `{"a":1}`, entry.RequestData)

	// A re-log with fresh values still overwrites.
	require.NoError(t, s.LogRequest("req-relog", "health.check", `{"a":2}`, "client-b", "worker-2"))
	entry, err = s.GetRequest("req-relog")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "client-b", entry.ClientID)
	assert.Equal(t, "worker-2", entry.WorkerID)
	assert.Equal(t, `{"a":2}`, entry.RequestData)
}

func TestGetRequestMissing(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.GetRequest("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestLogResponseIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogRequest("req-2", "execute.order", `{}`, "client-a", "worker-1"))
	require.NoError(t, s.LogResponse("req-2", `{"status":"success"}`, 12.5, "success"))
	require.NoError(t, s.LogResponse("req-2", `{"status":"success"}`, 14.0, "success"))

	entry, err := s.GetRequest("req-2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "success", entry.Status)
	require.NotNil(t, entry.ProcessingTimeMS)
	assert.Equal(t, 14.0, *entry.ProcessingTimeMS)
	require.NotNil(t, entry.CompletedAt)
}

func TestLogResponseUnknownRequestDoesNotFail(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.LogResponse("ghost", `{}`, 1.0, "error"))
}

func TestListRequestsFilters(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogRequest("req-a", "scan.market", `{}`, "c1", "w1"))
	require.NoError(t, s.LogRequest("req-b", "scan.market", `{}`, "c1", "w1"))
	require.NoError(t, s.LogRequest("req-c", "execute.order", `{}`, "c2", "w2"))
	require.NoError(t, s.LogResponse("req-a", `{}`, 5, "success"))
	require.NoError(t, s.LogResponse("req-c", `{}`, 9, "error"))

	all, err := s.ListRequests(RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byMethod, err := s.ListRequests(RequestFilter{Method: "scan.market"})
	require.NoError(t, err)
	assert.Len(t, byMethod, 2)

	byStatus, err := s.ListRequests(RequestFilter{Status: "error"})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "req-c", byStatus[0].RequestID)

	limited, err := s.ListRequests(RequestFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	offset, err := s.ListRequests(RequestFilter{Limit: 10, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, offset, 1)

	recent, err := s.ListRequests(RequestFilter{HoursBack: 1})
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestUpsertWorker(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertWorker("worker-1", "idle", WorkerUpdate{}))

	workers, err := s.WorkerStatus()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "idle", workers[0].State)
	assert.Equal(t, int64(0), workers[0].ProcessedRequests)

	processed := int64(42)
	cpu := 17.5
	require.NoError(t, s.UpsertWorker("worker-1", "busy", WorkerUpdate{
		ProcessedRequests: &processed,
		CPUUsage:          &cpu,
	}))

	workers, err = s.WorkerStatus()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "busy", workers[0].State)
	assert.Equal(t, int64(42), workers[0].ProcessedRequests)
	require.NotNil(t, workers[0].CPUUsage)
	assert.Equal(t, 17.5, *workers[0].CPUUsage)

	// Nil optionals preserve existing values.
	require.NoError(t, s.UpsertWorker("worker-1", "idle", WorkerUpdate{}))
	workers, err = s.WorkerStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(42), workers[0].ProcessedRequests)
	require.NotNil(t, workers[0].CPUUsage)
}

func TestActiveWorkerCount(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertWorker("w1", "idle", WorkerUpdate{}))
	require.NoError(t, s.UpsertWorker("w2", "busy", WorkerUpdate{}))
	require.NoError(t, s.UpsertWorker("w3", "dead", WorkerUpdate{}))

	count, err := s.ActiveWorkerCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)

	value, err := s.GetConfig("missing")
	require.NoError(t, err)
	assert.Equal(t, "", value)

	require.NoError(t, s.SetConfig("heartbeat_interval", "5", "seconds between heartbeats"))
	require.NoError(t, s.SetConfig("heartbeat_interval", "10", ""))

	value, err = s.GetConfig("heartbeat_interval")
	require.NoError(t, err)
	assert.Equal(t, "10", value)
}

func TestRecordMetricAndList(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordMetric("requests_total", 10, ""))
	require.NoError(t, s.RecordMetric("requests_total", 25, `{"window":"5s"}`))
	require.NoError(t, s.RecordMetric("latency_p95_ms", 3.2, ""))

	metrics, err := s.ListMetrics("requests_total", 10)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, 25.0, metrics[0].Value)
	assert.Equal(t, `{"window":"5s"}`, metrics[0].Data)

	count, err := s.MetricCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestGetServiceStats(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogRequest("r1", "health.check", `{}`, "c", "w"))
	require.NoError(t, s.LogRequest("r2", "health.check", `{}`, "c", "w"))
	require.NoError(t, s.LogResponse("r1", `{}`, 10, "success"))
	require.NoError(t, s.LogResponse("r2", `{}`, 30, "error"))
	require.NoError(t, s.UpsertWorker("w", "idle", WorkerUpdate{}))

	stats, err := s.GetServiceStats(24)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.StatusCounts["success"])
	assert.Equal(t, int64(1), stats.StatusCounts["error"])
	assert.Equal(t, 20.0, stats.AvgProcessingMS)
	assert.Equal(t, 1, stats.ActiveWorkers)
}

func TestGetMethodStats(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogRequest("r1", "scan.market", `{}`, "c", "w"))
	require.NoError(t, s.LogRequest("r2", "scan.market", `{}`, "c", "w"))
	require.NoError(t, s.LogRequest("r3", "health.check", `{}`, "c", "w"))
	require.NoError(t, s.LogResponse("r1", `{}`, 8, "success"))
	require.NoError(t, s.LogResponse("r2", `{}`, 12, "error"))

	stats, err := s.GetMethodStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "scan.market", stats[0].Method)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, int64(1), stats[0].SuccessCount)
	assert.Equal(t, int64(1), stats[0].ErrorCount)
	assert.Equal(t, 10.0, stats[0].AvgProcessingMS)
}

func TestGetHourlyStats(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogRequest("r1", "health.check", `{}`, "c", "w"))
	require.NoError(t, s.LogRequest("r2", "health.check", `{}`, "c", "w"))

	stats, err := s.GetHourlyStats(24)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Count)
}

func TestCleanup(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().AddDate(0, 0, -10).Unix()
	_, err := s.Conn().Exec(
		`INSERT INTO request_logs (request_id, method, status, created_at) VALUES ('old', 'health.check', 'success', ?)`,
		old,
	)
	require.NoError(t, err)
	_, err = s.Conn().Exec(
		`INSERT INTO service_metrics (metric_name, metric_value, timestamp) VALUES ('requests_total', 1, ?)`,
		old,
	)
	require.NoError(t, err)
	require.NoError(t, s.LogRequest("fresh", "health.check", `{}`, "c", "w"))

	deleted, err := s.Cleanup(7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	entry, err := s.GetRequest("old")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = s.GetRequest("fresh")
	require.NoError(t, err)
	assert.NotNil(t, entry)

	_, err = s.Cleanup(0)
	assert.Error(t, err)
}

func TestWALCheckpointAndFileStats(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir + "/tacore.db", Log: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.LogRequest("r1", "health.check", `{}`, "c", "w"))
	require.NoError(t, s.WALCheckpoint("TRUNCATE"))

	stats, err := s.FileStats()
	require.NoError(t, err)
	assert.Greater(t, stats.SizeBytes, int64(0))
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}
