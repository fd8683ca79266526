// Package broker implements the ROUTER/ROUTER load balancer that fronts the
// worker pool: it assigns client requests to idle workers, tracks liveness
// through REGISTER/HEARTBEAT control messages, and routes responses back to
// the originating client in the framing the client used.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/aristath/tacore/internal/metrics"
	"github.com/aristath/tacore/internal/protocol"
	"github.com/aristath/tacore/internal/store"
)

// Config holds broker settings.
type Config struct {
	FrontendEndpoint  string
	BackendEndpoint   string
	HeartbeatInterval time.Duration
	StaleFactor       int
	Log               zerolog.Logger
}

// Broker owns the two ROUTER sockets and the routing loop. Socket reads run
// on their own goroutines and feed channels; the single Run loop owns all
// scheduling decisions, which keeps the registry consistent without extra
// coordination.
type Broker struct {
	cfg       Config
	registry  *Registry
	store     *store.Store
	collector *metrics.Collector
	log       zerolog.Logger

	frontend zmq4.Socket
	backend  zmq4.Socket

	frontendCh chan zmq4.Msg
	backendCh  chan zmq4.Msg

	done chan struct{}
}

// New creates a broker. Start must be called before Run.
func New(cfg Config, registry *Registry, st *store.Store, collector *metrics.Collector) *Broker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.StaleFactor < 1 {
		cfg.StaleFactor = 3
	}
	return &Broker{
		cfg:        cfg,
		registry:   registry,
		store:      st,
		collector:  collector,
		log:        cfg.Log.With().Str("component", "broker").Logger(),
		frontendCh: make(chan zmq4.Msg, 200),
		backendCh:  make(chan zmq4.Msg, 200),
		done:       make(chan struct{}),
	}
}

// Registry exposes the worker registry for reporting.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Start binds both ROUTER sockets and launches the socket readers.
func (b *Broker) Start(ctx context.Context) error {
	frontend := zmq4.NewRouter(ctx)
	if err := frontend.SetOption(zmq4.OptionHWM, 1000); err != nil {
		b.log.Warn().Err(err).Msg("Failed to set frontend high watermark")
	}
	if err := frontend.Listen(b.cfg.FrontendEndpoint); err != nil {
		return fmt.Errorf("failed to bind frontend %s: %w", b.cfg.FrontendEndpoint, err)
	}

	backend := zmq4.NewRouter(ctx)
	if err := backend.SetOption(zmq4.OptionHWM, 1000); err != nil {
		b.log.Warn().Err(err).Msg("Failed to set backend high watermark")
	}
	if err := backend.Listen(b.cfg.BackendEndpoint); err != nil {
		_ = frontend.Close()
		return fmt.Errorf("failed to bind backend %s: %w", b.cfg.BackendEndpoint, err)
	}

	b.frontend = frontend
	b.backend = backend

	go b.socketReader(ctx, frontend, b.frontendCh, "frontend")
	go b.socketReader(ctx, backend, b.backendCh, "backend")

	b.log.Info().
		Str("frontend", b.cfg.FrontendEndpoint).
		Str("backend", b.cfg.BackendEndpoint).
		Msg("Broker sockets bound")
	return nil
}

// Run drives the routing loop until the context is cancelled. On every
// wake-up the backend channel is drained before the frontend is consulted,
// so responses and liveness updates are observed before new work is
// assigned.
func (b *Broker) Run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	b.log.Info().Msg("Broker loop started")
	for {
		// Absorb any backlog of registrations, heartbeats, and responses
		// before taking on new requests.
		drained := false
		for !drained {
			select {
			case msg := <-b.backendCh:
				b.handleBackend(msg.Frames)
			default:
				drained = true
			}
		}

		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case msg := <-b.backendCh:
			b.handleBackend(msg.Frames)
		case msg := <-b.frontendCh:
			b.handleFrontend(msg.Frames)
		case <-ticker.C:
			b.evictStaleWorkers()
		}
	}
}

// Done is closed after Run has completed its shutdown sequence.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Close releases both sockets.
func (b *Broker) Close() error {
	var errs []error
	if b.frontend != nil {
		if err := b.frontend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.backend != nil {
		if err := b.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// socketReader feeds raw messages from a socket into a channel.
func (b *Broker) socketReader(ctx context.Context, socket zmq4.Socket, ch chan<- zmq4.Msg, name string) {
	for {
		msg, err := socket.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTransientError(err) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			b.log.Warn().Err(err).Str("socket", name).Msg("Socket receive failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// handleFrontend processes one client message: parse, validate the
// envelope, assign a worker, and forward.
func (b *Broker) handleFrontend(frames [][]byte) {
	cf, err := ParseClientFrame(frames)
	if err != nil {
		b.log.Warn().Err(err).Msg("Malformed frontend message dropped")
		return
	}

	req, err := protocol.ParseRequest(cf.Payload)
	if err != nil {
		errType := protocol.ErrInvalidJSON
		var perr *protocol.ParseError
		if errors.As(err, &perr) {
			errType = perr.Type
		}
		b.log.Debug().Str("type", string(errType)).Str("error", err.Error()).Msg("Rejecting request")
		b.replyError(cf, "", errType, err.Error())
		b.collector.RecordRequest("", false, -1, "", string(errType))
		return
	}

	// Parameter validation happens before any worker is consumed; an
	// invalid request must not occupy a slot in the pool. The worker
	// validates again on its side for requests arriving by other paths.
	if err := req.Validate(); err != nil {
		b.log.Debug().Err(err).Str("method", req.Method).Msg("Rejecting invalid parameters")
		b.replyError(cf, req.RequestID, protocol.ErrValidation, err.Error())
		b.collector.RecordRequest(req.Method, false, -1, "", string(protocol.ErrValidation))
		return
	}

	pending := pendingRequest{
		clientID:     cf.ClientID,
		expectsEmpty: cf.ExpectsEmpty,
		method:       req.Method,
		receivedAt:   time.Now(),
	}

	workerID, ok := b.registry.Dispatch(req.RequestID, pending)
	if !ok {
		b.log.Warn().Str("method", req.Method).Str("request_id", req.RequestID).Msg("No workers available")
		b.replyError(cf, req.RequestID, protocol.ErrNoWorkers, "No workers available")
		b.collector.RecordRequest(req.Method, false, -1, "", string(protocol.ErrNoWorkers))
		return
	}

	// The payload may have gained a generated request_id; forward the
	// canonical serialization.
	payload, merr := req.Marshal()
	if merr != nil {
		payload = cf.Payload
	}

	if err := b.store.LogRequest(req.RequestID, req.Method, string(payload), clientLabel(cf.ClientID), workerID); err != nil {
		b.log.Warn().Err(err).Str("request_id", req.RequestID).Msg("Failed to log request")
	}

	if err := b.sendToWorker(workerID, cf.ClientID, payload); err != nil {
		b.log.Error().Err(err).Str("worker_id", workerID).Msg("Failed to forward request")
		b.registry.Complete(req.RequestID)
		b.replyError(cf, req.RequestID, protocol.ErrInternal, "Internal routing error")
		b.collector.RecordRequest(req.Method, false, -1, workerID, string(protocol.ErrInternal))
		return
	}

	b.log.Debug().
		Str("request_id", req.RequestID).
		Str("method", req.Method).
		Str("worker_id", workerID).
		Msg("Request dispatched")
}

// handleBackend classifies one worker message as REGISTER, HEARTBEAT, or a
// response, and updates registry and store accordingly.
func (b *Broker) handleBackend(frames [][]byte) {
	bf, err := ParseBackendFrame(frames)
	if err != nil {
		b.log.Warn().Err(err).Msg("Malformed backend message dropped")
		return
	}

	switch bf.Control {
	case protocol.ControlRegister:
		b.handleRegister(bf)
	case protocol.ControlHeartbeat:
		b.handleHeartbeat(bf)
	default:
		b.handleResponse(bf)
	}
}

func (b *Broker) handleRegister(bf BackendFrame) {
	workerID := bf.WorkerID
	if len(bf.ControlBody) > 0 {
		if ctrl, err := protocol.ParseControl(bf.ControlBody); err == nil {
			workerID = ctrl.WorkerID
		}
	}

	isNew := b.registry.Register(workerID)
	if err := b.store.UpsertWorker(workerID, StateIdle, store.WorkerUpdate{}); err != nil {
		b.log.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to persist worker registration")
	}

	if isNew {
		b.log.Info().Str("worker_id", workerID).Msg("Worker registered")
	} else {
		b.log.Debug().Str("worker_id", workerID).Msg("Worker re-registered")
	}
}

func (b *Broker) handleHeartbeat(bf BackendFrame) {
	ctrl, err := protocol.ParseControl(bf.ControlBody)
	if err != nil {
		b.log.Warn().Err(err).Str("worker_id", bf.WorkerID).Msg("Invalid heartbeat body")
		return
	}

	state, ok := b.registry.Heartbeat(ctrl.WorkerID, ctrl.ProcessedRequests, ctrl.CPUUsage, ctrl.MemoryUsage)
	if !ok {
		b.log.Warn().Str("worker_id", ctrl.WorkerID).Msg("Heartbeat from unknown worker ignored")
		return
	}

	update := store.WorkerUpdate{
		CPUUsage:    &ctrl.CPUUsage,
		MemoryUsage: &ctrl.MemoryUsage,
	}
	if ctrl.ProcessedRequests > 0 {
		update.ProcessedRequests = &ctrl.ProcessedRequests
	}
	if err := b.store.UpsertWorker(ctrl.WorkerID, state, update); err != nil {
		b.log.Warn().Err(err).Str("worker_id", ctrl.WorkerID).Msg("Failed to persist heartbeat")
	}
}

// handleResponse routes a worker response back to the originating client.
// The pending_requests record is authoritative for the destination; the
// client_id carried in the frames is a fallback only.
func (b *Broker) handleResponse(bf BackendFrame) {
	var meta struct {
		RequestID string  `json:"request_id"`
		Status    string  `json:"status"`
		Type      string  `json:"type"`
		Timing    float64 `json:"processing_time_ms"`
	}
	if err := json.Unmarshal(bf.Payload, &meta); err != nil {
		b.log.Warn().Err(err).Str("worker_id", bf.WorkerID).Msg("Undecodable worker response dropped")
		b.registry.Release(bf.WorkerID)
		return
	}

	pending, workerID, known := b.registry.Complete(meta.RequestID)
	if workerID == "" {
		workerID = bf.WorkerID
		b.registry.Release(bf.WorkerID)
	}

	clientID := pending.clientID
	expectsEmpty := pending.expectsEmpty
	if !known {
		if len(bf.ClientID) == 0 {
			b.log.Warn().
				Str("request_id", meta.RequestID).
				Str("worker_id", bf.WorkerID).
				Msg("Response with unknown request and no client identity dropped")
			return
		}
		b.log.Warn().Str("request_id", meta.RequestID).Msg("Response for untracked request, using frame client identity")
		clientID = bf.ClientID
		expectsEmpty = true
	}

	if err := b.sendToClient(clientID, expectsEmpty, bf.Payload); err != nil {
		b.log.Error().Err(err).Str("request_id", meta.RequestID).Msg("Failed to deliver response")
	}

	success := meta.Status == protocol.StatusSuccess
	elapsed := meta.Timing
	if known && elapsed == 0 {
		elapsed = float64(time.Since(pending.receivedAt).Microseconds()) / 1000.0
	}
	b.collector.RecordRequest(pending.method, success, elapsed, workerID, meta.Type)

	status := protocol.StatusError
	if success {
		status = protocol.StatusSuccess
	}
	if err := b.store.LogResponse(meta.RequestID, string(bf.Payload), elapsed, status); err != nil {
		b.log.Warn().Err(err).Str("request_id", meta.RequestID).Msg("Failed to log response")
	}
}

// evictStaleWorkers removes workers that stopped heartbeating from the
// schedulable pool. Their pending requests stay pending; re-dispatch would
// risk duplicate execution.
func (b *Broker) evictStaleWorkers() {
	maxAge := time.Duration(b.cfg.StaleFactor) * b.cfg.HeartbeatInterval
	for _, workerID := range b.registry.EvictStale(maxAge) {
		b.log.Warn().Str("worker_id", workerID).Dur("max_age", maxAge).Msg("Worker marked unhealthy")
		if err := b.store.UpsertWorker(workerID, StateUnhealthy, store.WorkerUpdate{}); err != nil {
			b.log.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to persist worker eviction")
		}
	}
}

// shutdown flushes final worker status rows before the loop exits.
func (b *Broker) shutdown() {
	for _, w := range b.registry.Snapshot() {
		if err := b.store.UpsertWorker(w.ID, w.State, store.WorkerUpdate{}); err != nil {
			b.log.Warn().Err(err).Str("worker_id", w.ID).Msg("Failed to flush worker status")
		}
	}
	b.log.Info().Msg("Broker loop stopped")
}

// replyError sends an error envelope to a client in its own framing.
func (b *Broker) replyError(cf ClientFrame, requestID string, errType protocol.ErrorType, message string) {
	resp := protocol.NewError(requestID, errType, message)
	payload, err := resp.Marshal()
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to encode error response")
		return
	}
	if err := b.sendToClient(cf.ClientID, cf.ExpectsEmpty, payload); err != nil {
		b.log.Error().Err(err).Msg("Failed to send error response")
	}
}

// sendToClient writes a payload to the frontend socket. A nil socket is a
// no-op so routing logic can be exercised in tests.
func (b *Broker) sendToClient(clientID []byte, expectsEmpty bool, payload []byte) error {
	if b.frontend == nil {
		return nil
	}
	return b.frontend.Send(BuildClientReply(clientID, expectsEmpty, payload))
}

// sendToWorker writes a request to the backend socket in the 5-frame form.
func (b *Broker) sendToWorker(workerID string, clientID, payload []byte) error {
	if b.backend == nil {
		return nil
	}
	return b.backend.Send(BuildWorkerRequest(workerID, clientID, payload))
}

// clientLabel renders a client identity for logging and persistence.
func clientLabel(clientID []byte) string {
	return fmt.Sprintf("%x", clientID)
}

// isTransientError reports whether a receive error is expected under load
// and safe to retry immediately.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "resource temporarily unavailable") ||
		strings.Contains(msg, "operation would block") ||
		strings.Contains(msg, "no message available")
}
