package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RequestLog is one row of the request_logs table.
type RequestLog struct {
	RequestID        string   `json:"request_id"`
	Method           string   `json:"method"`
	WorkerID         string   `json:"worker_id,omitempty"`
	ClientID         string   `json:"client_id,omitempty"`
	RequestData      string   `json:"request_data,omitempty"`
	ResponseData     string   `json:"response_data,omitempty"`
	ProcessingTimeMS *float64 `json:"processing_time_ms,omitempty"`
	Status           string   `json:"status"`
	CreatedAt        int64    `json:"created_at"`
	CompletedAt      *int64   `json:"completed_at,omitempty"`
}

// RequestFilter narrows ListRequests results.
type RequestFilter struct {
	Method    string
	Status    string
	HoursBack int
	Limit     int
	Offset    int
}

const requestLogColumns = `request_id, method, worker_id, client_id, request_data, response_data, processing_time_ms, status, created_at, completed_at`

// LogRequest inserts a request_logs row with status=processing. Re-logging an
// existing request_id keeps previously recorded fields when the new values
// are absent: the worker re-logs without a client identity and must not wipe
// the one the broker recorded.
func (s *Store) LogRequest(requestID, method, requestData, clientID, workerID string) error {
	now := time.Now().Unix()
	query := `
		INSERT INTO request_logs
		(request_id, method, worker_id, client_id, request_data, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'processing', ?)
		ON CONFLICT(request_id) DO UPDATE SET
			method = excluded.method,
			worker_id = COALESCE(excluded.worker_id, request_logs.worker_id),
			client_id = COALESCE(excluded.client_id, request_logs.client_id),
			request_data = COALESCE(excluded.request_data, request_logs.request_data)
	`
	if _, err := s.conn.Exec(query, requestID, method, nullString(workerID), nullString(clientID), nullString(requestData), now); err != nil {
		return fmt.Errorf("failed to log request %s: %w", requestID, err)
	}
	return nil
}

// LogResponse updates the matching request_logs row with the outcome.
// Idempotent by request_id: repeated calls overwrite with the last values.
func (s *Store) LogResponse(requestID, responseData string, processingTimeMS float64, status string) error {
	now := time.Now().Unix()
	query := `
		UPDATE request_logs
		SET response_data = ?, processing_time_ms = ?, status = ?, completed_at = ?
		WHERE request_id = ?
	`
	result, err := s.conn.Exec(query, nullString(responseData), processingTimeMS, status, now, requestID)
	if err != nil {
		return fmt.Errorf("failed to log response for %s: %w", requestID, err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		s.log.Warn().Str("request_id", requestID).Msg("Response logged for unknown request")
	}
	return nil
}

// GetRequest fetches a single request log row, or nil when absent.
func (s *Store) GetRequest(requestID string) (*RequestLog, error) {
	query := "SELECT " + requestLogColumns + " FROM request_logs WHERE request_id = ?"
	row := s.conn.QueryRow(query, requestID)

	entry, err := scanRequestLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request %s: %w", requestID, err)
	}
	return entry, nil
}

// ListRequests returns request log rows matching the filter, newest first.
func (s *Store) ListRequests(filter RequestFilter) ([]RequestLog, error) {
	var conditions []string
	var args []interface{}

	if filter.Method != "" {
		conditions = append(conditions, "method = ?")
		args = append(args, filter.Method)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.HoursBack > 0 {
		cutoff := time.Now().Add(-time.Duration(filter.HoursBack) * time.Hour).Unix()
		conditions = append(conditions, "created_at >= ?")
		args = append(args, cutoff)
	}

	query := "SELECT " + requestLogColumns + " FROM request_logs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, request_id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var entries []RequestLog
	for rows.Next() {
		entry, err := scanRequestLogRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequestLog(row rowScanner) (*RequestLog, error) {
	var entry RequestLog
	var workerID, clientID, requestData, responseData sql.NullString
	var processingTime sql.NullFloat64
	var completedAt sql.NullInt64

	err := row.Scan(
		&entry.RequestID,
		&entry.Method,
		&workerID,
		&clientID,
		&requestData,
		&responseData,
		&processingTime,
		&entry.Status,
		&entry.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.WorkerID = workerID.String
	entry.ClientID = clientID.String
	entry.RequestData = requestData.String
	entry.ResponseData = responseData.String
	if processingTime.Valid {
		entry.ProcessingTimeMS = &processingTime.Float64
	}
	if completedAt.Valid {
		entry.CompletedAt = &completedAt.Int64
	}
	return &entry, nil
}

func scanRequestLogRows(rows *sql.Rows) (*RequestLog, error) {
	return scanRequestLog(rows)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64Ptr(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat64Ptr(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
