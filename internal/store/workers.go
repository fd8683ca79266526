package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WorkerRow is one row of the worker_status table.
type WorkerRow struct {
	WorkerID          string   `json:"worker_id"`
	State             string   `json:"state"`
	LastHeartbeat     *int64   `json:"last_heartbeat,omitempty"`
	ProcessedRequests int64    `json:"processed_requests"`
	CPUUsage          *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage       *float64 `json:"memory_usage,omitempty"`
	CreatedAt         int64    `json:"created_at"`
	UpdatedAt         int64    `json:"updated_at"`
}

// WorkerUpdate carries optional fields for UpsertWorker. Nil pointers leave
// the stored value unchanged (processed_requests defaults to 0 on insert).
type WorkerUpdate struct {
	ProcessedRequests *int64
	CPUUsage          *float64
	MemoryUsage       *float64
}

// UpsertWorker inserts or updates a worker_status row keyed by worker_id.
func (s *Store) UpsertWorker(workerID, state string, update WorkerUpdate) error {
	now := time.Now().Unix()

	query := `
		INSERT INTO worker_status
		(worker_id, state, last_heartbeat, processed_requests, cpu_usage, memory_usage, created_at, updated_at)
		VALUES (?, ?, ?, COALESCE(?, 0), ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			state = excluded.state,
			last_heartbeat = excluded.last_heartbeat,
			processed_requests = COALESCE(?, worker_status.processed_requests),
			cpu_usage = COALESCE(excluded.cpu_usage, worker_status.cpu_usage),
			memory_usage = COALESCE(excluded.memory_usage, worker_status.memory_usage),
			updated_at = excluded.updated_at
	`
	_, err := s.conn.Exec(query,
		workerID, state, now,
		nullInt64Ptr(update.ProcessedRequests),
		nullFloat64Ptr(update.CPUUsage),
		nullFloat64Ptr(update.MemoryUsage),
		now, now,
		nullInt64Ptr(update.ProcessedRequests),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker %s: %w", workerID, err)
	}
	return nil
}

// WorkerStatus returns all worker rows, most recently updated first.
func (s *Store) WorkerStatus() ([]WorkerRow, error) {
	query := `
		SELECT worker_id, state, last_heartbeat, processed_requests, cpu_usage, memory_usage, created_at, updated_at
		FROM worker_status
		ORDER BY updated_at DESC
	`
	rows, err := s.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker status: %w", err)
	}
	defer rows.Close()

	var workers []WorkerRow
	for rows.Next() {
		var w WorkerRow
		var lastHeartbeat sql.NullInt64
		var cpu, mem sql.NullFloat64
		if err := rows.Scan(&w.WorkerID, &w.State, &lastHeartbeat, &w.ProcessedRequests, &cpu, &mem, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker status: %w", err)
		}
		if lastHeartbeat.Valid {
			w.LastHeartbeat = &lastHeartbeat.Int64
		}
		if cpu.Valid {
			w.CPUUsage = &cpu.Float64
		}
		if mem.Valid {
			w.MemoryUsage = &mem.Float64
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// ActiveWorkerCount counts workers whose state is idle or busy.
func (s *Store) ActiveWorkerCount() (int, error) {
	var count int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM worker_status WHERE state IN ('idle', 'busy')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active workers: %w", err)
	}
	return count, nil
}

// SetConfig upserts a service_config row.
func (s *Store) SetConfig(key, value, description string) error {
	now := time.Now().Unix()
	query := `
		INSERT INTO service_config (key, value, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = COALESCE(excluded.description, service_config.description),
			updated_at = excluded.updated_at
	`
	if _, err := s.conn.Exec(query, key, value, nullString(description), now); err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	return nil
}

// GetConfig reads a service_config value; returns "" when absent.
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.conn.QueryRow(`SELECT value FROM service_config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return value, nil
}
