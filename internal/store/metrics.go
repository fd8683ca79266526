package store

import (
	"database/sql"
	"fmt"
	"time"
)

// MetricRow is one row of the service_metrics table.
type MetricRow struct {
	ID         int64   `json:"id"`
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"metric_value"`
	Data       string  `json:"metric_data,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// ServiceStats aggregates request activity over a window.
type ServiceStats struct {
	HoursBack        int              `json:"hours_back"`
	TotalRequests    int64            `json:"total_requests"`
	StatusCounts     map[string]int64 `json:"status_counts"`
	AvgProcessingMS  float64          `json:"avg_processing_time_ms"`
	ActiveWorkers    int              `json:"active_workers"`
	EarliestRecorded *int64           `json:"earliest_recorded,omitempty"`
}

// MethodStat aggregates per-method request counts.
type MethodStat struct {
	Method          string  `json:"method"`
	Count           int64   `json:"count"`
	SuccessCount    int64   `json:"success_count"`
	ErrorCount      int64   `json:"error_count"`
	AvgProcessingMS float64 `json:"avg_processing_time_ms"`
}

// HourlyStat is one bucket of the hourly request distribution.
type HourlyStat struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}

// RecordMetric appends a service_metrics row.
func (s *Store) RecordMetric(name string, value float64, data string) error {
	query := `INSERT INTO service_metrics (metric_name, metric_value, metric_data, timestamp) VALUES (?, ?, ?, ?)`
	if _, err := s.conn.Exec(query, name, value, nullString(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to record metric %s: %w", name, err)
	}
	return nil
}

// ListMetrics returns recent metric rows for a name, newest first.
func (s *Store) ListMetrics(name string, limit int) ([]MetricRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, metric_name, metric_value, metric_data, timestamp
		FROM service_metrics
		WHERE metric_name = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`
	rows, err := s.conn.Query(query, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var metrics []MetricRow
	for rows.Next() {
		var m MetricRow
		var data sql.NullString
		if err := rows.Scan(&m.ID, &m.MetricName, &m.Value, &data, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		m.Data = data.String
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// MetricCount returns the total number of service_metrics rows.
func (s *Store) MetricCount() (int64, error) {
	var count int64
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM service_metrics`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count metrics: %w", err)
	}
	return count, nil
}

// GetServiceStats aggregates request totals, per-status counts, the average
// processing time, and the active-worker count for the last hours window.
func (s *Store) GetServiceStats(hours int) (*ServiceStats, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()

	stats := &ServiceStats{
		HoursBack:    hours,
		StatusCounts: make(map[string]int64),
	}

	rows, err := s.conn.Query(`
		SELECT status, COUNT(*) FROM request_logs
		WHERE created_at >= ?
		GROUP BY status
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.StatusCounts[status] = count
		stats.TotalRequests += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.conn.QueryRow(`
		SELECT AVG(processing_time_ms) FROM request_logs
		WHERE created_at >= ? AND processing_time_ms IS NOT NULL
	`, cutoff).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to query avg processing time: %w", err)
	}
	stats.AvgProcessingMS = avg.Float64

	var earliest sql.NullInt64
	if err := s.conn.QueryRow(`SELECT MIN(created_at) FROM request_logs`).Scan(&earliest); err == nil && earliest.Valid {
		stats.EarliestRecorded = &earliest.Int64
	}

	active, err := s.ActiveWorkerCount()
	if err != nil {
		return nil, err
	}
	stats.ActiveWorkers = active

	return stats, nil
}

// GetMethodStats aggregates request counts and latency per method.
func (s *Store) GetMethodStats() ([]MethodStat, error) {
	rows, err := s.conn.Query(`
		SELECT method,
		       COUNT(*),
		       SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		       COALESCE(AVG(processing_time_ms), 0)
		FROM request_logs
		GROUP BY method
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query method stats: %w", err)
	}
	defer rows.Close()

	var stats []MethodStat
	for rows.Next() {
		var m MethodStat
		if err := rows.Scan(&m.Method, &m.Count, &m.SuccessCount, &m.ErrorCount, &m.AvgProcessingMS); err != nil {
			return nil, fmt.Errorf("failed to scan method stat: %w", err)
		}
		stats = append(stats, m)
	}
	return stats, rows.Err()
}

// GetHourlyStats buckets request counts by hour over the last hours window.
func (s *Store) GetHourlyStats(hours int) ([]HourlyStat, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()

	rows, err := s.conn.Query(`
		SELECT strftime('%Y-%m-%dT%H:00', created_at, 'unixepoch') AS hour, COUNT(*)
		FROM request_logs
		WHERE created_at >= ?
		GROUP BY hour
		ORDER BY hour ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly stats: %w", err)
	}
	defer rows.Close()

	var stats []HourlyStat
	for rows.Next() {
		var h HourlyStat
		if err := rows.Scan(&h.Hour, &h.Count); err != nil {
			return nil, fmt.Errorf("failed to scan hourly stat: %w", err)
		}
		stats = append(stats, h)
	}
	return stats, rows.Err()
}

// Cleanup deletes request_logs and service_metrics rows older than days.
// Returns the number of rows removed.
func (s *Store) Cleanup(days int) (int64, error) {
	if days < 1 {
		return 0, fmt.Errorf("cleanup horizon must be >= 1 day, got %d", days)
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	var total int64
	for _, table := range []string{"request_logs", "service_metrics"} {
		column := "created_at"
		if table == "service_metrics" {
			column = "timestamp"
		}
		result, err := s.conn.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, column), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to clean up %s: %w", table, err)
		}
		if rows, err := result.RowsAffected(); err == nil {
			total += rows
		}
	}

	s.log.Info().Int("days", days).Int64("rows_deleted", total).Msg("Retention cleanup completed")
	return total, nil
}
