package broker

import (
	"sync"
	"time"
)

// Worker states tracked by the registry and mirrored to the store.
const (
	StateIdle      = "idle"
	StateBusy      = "busy"
	StateUnhealthy = "unhealthy"
	StateStopped   = "stopped"
)

// WorkerInfo is the broker's view of one registered worker.
type WorkerInfo struct {
	ID                string    `json:"id"`
	State             string    `json:"state"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ProcessedRequests int64     `json:"processed_requests"`
	CPUUsage          float64   `json:"cpu_usage"`
	MemoryUsage       float64   `json:"memory_usage"`
	RegisteredAt      time.Time `json:"registered_at"`
}

// pendingRequest remembers where a dispatched request came from and how the
// reply must be framed.
type pendingRequest struct {
	clientID     []byte
	expectsEmpty bool
	method       string
	receivedAt   time.Time
}

// Registry owns worker and in-flight request state. The broker loop is the
// only writer; the mutex exists so snapshots can be read from the HTTP and
// health paths without racing it.
type Registry struct {
	mu sync.Mutex

	workers            map[string]*WorkerInfo
	available          []string
	pendingRequests    map[string]pendingRequest
	pendingAssignments map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers:            make(map[string]*WorkerInfo),
		pendingRequests:    make(map[string]pendingRequest),
		pendingAssignments: make(map[string]string),
	}
}

// Register adds or revives a worker and enqueues it for work. Idempotent:
// a second REGISTER from the same id does not duplicate availability.
// Returns true when the worker was not previously known.
func (r *Registry) Register(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	w, known := r.workers[workerID]
	if !known {
		w = &WorkerInfo{ID: workerID, RegisteredAt: now}
		r.workers[workerID] = w
	}
	w.State = StateIdle
	w.LastHeartbeat = now
	r.enqueueLocked(workerID)
	return !known
}

// Heartbeat refreshes liveness for a known worker and returns its current
// state, so callers persist what the registry actually tracks (a busy worker
// heartbeating must not be recorded as idle). ok is false for unknown
// workers so the caller can log a warning.
func (r *Registry) Heartbeat(workerID string, processed int64, cpu, mem float64) (state string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, known := r.workers[workerID]
	if !known {
		return "", false
	}
	w.LastHeartbeat = time.Now()
	if processed > w.ProcessedRequests {
		w.ProcessedRequests = processed
	}
	w.CPUUsage = cpu
	w.MemoryUsage = mem
	if w.State == StateUnhealthy {
		// Worker recovered; it becomes schedulable again.
		w.State = StateIdle
		r.enqueueLocked(workerID)
	}
	return w.State, true
}

// Dispatch pops the head of the available queue, marks it busy, and records
// the pending request. Returns false when no worker is available.
func (r *Registry) Dispatch(requestID string, pending pendingRequest) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.available) == 0 {
		return "", false
	}
	workerID := r.available[0]
	r.available = r.available[1:]

	if w, ok := r.workers[workerID]; ok {
		w.State = StateBusy
		w.ProcessedRequests++
	}
	r.pendingRequests[requestID] = pending
	r.pendingAssignments[requestID] = workerID
	return workerID, true
}

// Complete resolves a pending request. It returns the recorded origin and
// the assigned worker, and moves that worker back to the available queue.
// ok is false when the request_id was never tracked; the worker (if any)
// is still released.
func (r *Registry) Complete(requestID string) (pendingRequest, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.pendingRequests[requestID]
	delete(r.pendingRequests, requestID)

	workerID := r.pendingAssignments[requestID]
	delete(r.pendingAssignments, requestID)

	if workerID != "" {
		if w, known := r.workers[workerID]; known && w.State == StateBusy {
			w.State = StateIdle
			r.enqueueLocked(workerID)
		}
	}
	return pending, workerID, ok
}

// Release returns a worker to the available queue regardless of pending
// bookkeeping. Used when a response arrives with an unknown request_id.
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[workerID]; ok && w.State != StateUnhealthy {
		w.State = StateIdle
		r.enqueueLocked(workerID)
	}
}

// EvictStale marks workers whose last heartbeat is older than maxAge as
// unhealthy and removes them from the available queue. Requests assigned to
// an evicted worker stay pending; there is no automatic re-dispatch.
func (r *Registry) EvictStale(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var evicted []string
	for id, w := range r.workers {
		if w.State == StateUnhealthy || !w.LastHeartbeat.Before(cutoff) {
			continue
		}
		w.State = StateUnhealthy
		evicted = append(evicted, id)
	}

	if len(evicted) > 0 {
		kept := r.available[:0]
		for _, id := range r.available {
			if w, ok := r.workers[id]; ok && w.State != StateUnhealthy {
				kept = append(kept, id)
			}
		}
		r.available = kept
	}
	return evicted
}

// AvailableCount returns the number of schedulable workers.
func (r *Registry) AvailableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.available)
}

// PendingCount returns the number of in-flight requests.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingRequests)
}

// Snapshot copies all worker records for reporting.
func (r *Registry) Snapshot() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// enqueueLocked appends a worker to the available queue unless it is
// already queued. Callers must hold the mutex.
func (r *Registry) enqueueLocked(workerID string) {
	for _, id := range r.available {
		if id == workerID {
			return
		}
	}
	r.available = append(r.available, workerID)
}
