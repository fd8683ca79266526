package store

// schema is applied idempotently at Open. Columns follow the service's
// request/metric/worker data model; request_logs and service_metrics are
// append-only, worker_status and service_config are upserted by key.
const schema = `
CREATE TABLE IF NOT EXISTS request_logs (
    request_id          TEXT PRIMARY KEY,
    method              TEXT NOT NULL,
    worker_id           TEXT,
    client_id           TEXT,
    request_data        TEXT,
    response_data       TEXT,
    processing_time_ms  REAL,
    status              TEXT NOT NULL DEFAULT 'processing',
    created_at          INTEGER NOT NULL,
    completed_at        INTEGER
);

CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_request_logs_method     ON request_logs(method);

CREATE TABLE IF NOT EXISTS service_metrics (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name  TEXT NOT NULL,
    metric_value REAL NOT NULL,
    metric_data  TEXT,
    timestamp    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_service_metrics_timestamp ON service_metrics(timestamp);

CREATE TABLE IF NOT EXISTS worker_status (
    worker_id          TEXT PRIMARY KEY,
    state              TEXT NOT NULL,
    last_heartbeat     INTEGER,
    processed_requests INTEGER NOT NULL DEFAULT 0,
    cpu_usage          REAL,
    memory_usage       REAL,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS service_config (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    description TEXT,
    updated_at  INTEGER NOT NULL
);
`

// migrate applies the schema within a transaction.
func (s *Store) migrate() error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(schema); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
