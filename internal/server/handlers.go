package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/tacore/internal/protocol"
	"github.com/aristath/tacore/internal/scheduler"
	"github.com/aristath/tacore/internal/store"
)

// apiError is the stable error body shape.
type apiError struct {
	Code        int     `json:"code"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Timestamp   float64 `json:"timestamp"`
	RequestID   string  `json:"request_id"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, description string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": apiError{
			Code:        status,
			Name:        http.StatusText(status),
			Description: description,
			Timestamp:   protocol.Now(),
			RequestID:   middleware.GetReqID(r.Context()),
		},
	})
}

// handleHealth serves liveness for /health and /live.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"module":    s.cfg.ServiceName,
		"version":   s.cfg.Version,
		"timestamp": protocol.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	host := map[string]interface{}{}
	if usage, err := cpu.Percent(0, false); err == nil && len(usage) > 0 {
		host["cpu_percent"] = usage[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		host["memory_percent"] = vm.UsedPercent
		host["memory_total_mb"] = vm.Total / (1024 * 1024)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":        s.cfg.ServiceName,
		"version":        s.cfg.Version,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"host":           host,
		"timestamp":      protocol.Now(),
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.cfg.Store.WorkerStatus()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to query worker status")
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	if workers == nil {
		workers = []store.WorkerRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers":   workers,
		"count":     len(workers),
		"timestamp": protocol.Now(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.GetServiceStats(24)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to query service stats")
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"live":      s.cfg.Collector.Snapshot(),
		"stored":    stats,
		"timestamp": protocol.Now(),
	})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	entries, err := s.cfg.Store.ListRequests(store.RequestFilter{
		Method: q.Get("method"),
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list requests")
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entries == nil {
		entries = []store.RequestLog{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests":  entries,
		"count":     len(entries),
		"limit":     limit,
		"offset":    offset,
		"timestamp": protocol.Now(),
	})
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")

	entry, err := s.cfg.Store.GetRequest(requestID)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", requestID).Msg("Failed to get request")
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entry == nil {
		s.writeError(w, r, http.StatusNotFound, "request not found")
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	methodStats, err := s.cfg.Store.GetMethodStats()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to query method stats")
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	hourly, err := s.cfg.Store.GetHourlyStats(24)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to query hourly stats")
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}

	result := map[string]interface{}{
		"uptime_seconds":  time.Since(s.startedAt).Seconds(),
		"methods":         methodStats,
		"hourly":          hourly,
		"cache_available": s.cfg.Cache.Available(),
		"timestamp":       protocol.Now(),
	}
	if fileStats, err := s.cfg.Store.FileStats(); err == nil {
		result["store"] = fileStats
	} else {
		s.log.Warn().Err(err).Msg("Failed to read store file stats")
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			s.writeError(w, r, http.StatusBadRequest, "days must be an integer between 1 and 365")
			return
		}
		days = n
	}

	deleted, err := s.cfg.Store.Cleanup(days)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("Cleanup failed")
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":   deleted,
		"days":      days,
		"timestamp": protocol.Now(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "maintenance jobs are not configured")
		return
	}
	names := s.cfg.Jobs.JobNames()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":      names,
		"count":     len(names),
		"timestamp": protocol.Now(),
	})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "maintenance jobs are not configured")
		return
	}

	name := chi.URLParam(r, "name")
	if err := s.cfg.Jobs.RunJob(name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			s.writeError(w, r, http.StatusNotFound, "unknown job")
			return
		}
		s.log.Error().Err(err).Str("job", name).Msg("Manual job run failed")
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":       name,
		"status":    "completed",
		"timestamp": protocol.Now(),
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Backup == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "backups are not configured")
		return
	}

	key, err := s.cfg.Backup.Run(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Backup failed")
		s.writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backup":    key,
		"timestamp": protocol.Now(),
	})
}
