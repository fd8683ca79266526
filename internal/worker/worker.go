// Package worker implements the DEALER-side request processor: it registers
// with the broker, heartbeats on an independent schedule, and services one
// request at a time through the method handler registry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/tacore/internal/protocol"
	"github.com/aristath/tacore/internal/store"
)

// Dispatcher routes a validated request to its method handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response
}

// Config holds worker settings.
type Config struct {
	ID                string
	BrokerEndpoint    string
	HeartbeatInterval time.Duration
	Log               zerolog.Logger
}

// Worker is one DEALER-connected request processor. Message handling is
// single-threaded; the heartbeat runs on its own goroutine and never waits
// behind a slow handler. Socket writes are serialized by sendMu.
type Worker struct {
	cfg        Config
	dispatcher Dispatcher
	store      *store.Store
	log        zerolog.Logger

	socket zmq4.Socket
	sendMu sync.Mutex

	processed atomic.Int64
	busy      atomic.Bool

	done chan struct{}
}

// New creates a worker. Start must be called before Run.
func New(cfg Config, dispatcher Dispatcher, st *store.Store) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Worker{
		cfg:        cfg,
		dispatcher: dispatcher,
		store:      st,
		log:        cfg.Log.With().Str("component", "worker").Str("worker_id", cfg.ID).Logger(),
		done:       make(chan struct{}),
	}
}

// Start connects to the broker backend, registers, and launches the
// heartbeat goroutine.
func (w *Worker) Start(ctx context.Context) error {
	socket := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(w.cfg.ID)))
	if err := socket.Dial(w.cfg.BrokerEndpoint); err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", w.cfg.BrokerEndpoint, err)
	}
	w.socket = socket

	if err := w.sendControl(protocol.ControlRegister); err != nil {
		_ = socket.Close()
		return fmt.Errorf("failed to register: %w", err)
	}
	if err := w.store.UpsertWorker(w.cfg.ID, "idle", store.WorkerUpdate{}); err != nil {
		w.log.Warn().Err(err).Msg("Failed to persist initial status")
	}

	go w.heartbeatLoop(ctx)

	w.log.Info().Str("endpoint", w.cfg.BrokerEndpoint).Msg("Worker registered")
	return nil
}

// Run services requests until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.shutdown()

	for {
		msg, err := w.socket.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTransientError(err) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			w.log.Warn().Err(err).Msg("Receive failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		w.handleMessage(ctx, msg.Frames)
	}
}

// Done is closed after Run has flushed the final stopped status.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Close releases the socket.
func (w *Worker) Close() error {
	if w.socket == nil {
		return nil
	}
	return w.socket.Close()
}

// Processed returns the number of requests this worker has completed.
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

// handleMessage processes one broker message. Frames may have 3, 4, or 5
// parts depending on the path; the last frame is always the payload and the
// first non-empty frame before it, if any, is the client identity.
func (w *Worker) handleMessage(ctx context.Context, frames [][]byte) {
	clientID, payload, err := splitRequestFrames(frames)
	if err != nil {
		w.log.Warn().Err(err).Msg("Malformed request frames dropped")
		return
	}

	started := time.Now()
	w.busy.Store(true)
	defer w.busy.Store(false)

	resp := w.process(ctx, payload)
	resp.ProcessingTimeMS = float64(time.Since(started).Microseconds()) / 1000.0

	encoded, err := resp.Marshal()
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to encode response")
		return
	}

	status := resp.Status
	if err := w.store.LogResponse(resp.RequestID, string(encoded), resp.ProcessingTimeMS, status); err != nil {
		w.log.Warn().Err(err).Str("request_id", resp.RequestID).Msg("Failed to log response")
	}

	if err := w.send(clientID, encoded); err != nil {
		w.log.Error().Err(err).Str("request_id", resp.RequestID).Msg("Failed to send response")
		return
	}
	w.processed.Add(1)
}

// process parses, validates, and dispatches one request payload.
func (w *Worker) process(ctx context.Context, payload []byte) *protocol.Response {
	req, err := protocol.ParseRequest(payload)
	if err != nil {
		errType := protocol.ErrInvalidJSON
		var perr *protocol.ParseError
		if errors.As(err, &perr) {
			errType = perr.Type
		}
		return protocol.NewError("", errType, err.Error())
	}

	if err := w.store.LogRequest(req.RequestID, req.Method, string(payload), "", w.cfg.ID); err != nil {
		w.log.Warn().Err(err).Str("request_id", req.RequestID).Msg("Failed to log request")
	}

	if err := req.Validate(); err != nil {
		w.log.Debug().Err(err).Str("method", req.Method).Msg("Validation failed")
		return protocol.NewError(req.RequestID, protocol.ErrValidation, err.Error())
	}

	resp := w.dispatcher.Dispatch(ctx, req)
	if resp == nil {
		return protocol.NewError(req.RequestID, protocol.ErrInternal, "handler returned no response")
	}
	return resp
}

// heartbeatLoop sends HEARTBEAT control messages at the configured interval
// and mirrors worker status into the store.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sendControl(protocol.ControlHeartbeat); err != nil {
				w.log.Warn().Err(err).Msg("Heartbeat send failed")
			}

			state := "idle"
			if w.busy.Load() {
				state = "busy"
			}
			processed := w.processed.Load()
			if err := w.store.UpsertWorker(w.cfg.ID, state, store.WorkerUpdate{ProcessedRequests: &processed}); err != nil {
				w.log.Warn().Err(err).Msg("Failed to persist heartbeat status")
			}
		}
	}
}

// sendControl sends a REGISTER or HEARTBEAT message with current counters
// and resource usage.
func (w *Worker) sendControl(tag string) error {
	ctrl := protocol.ControlMessage{
		WorkerID:          w.cfg.ID,
		Timestamp:         protocol.Now(),
		ProcessedRequests: w.processed.Load(),
	}
	if usage, err := cpu.Percent(0, false); err == nil && len(usage) > 0 {
		ctrl.CPUUsage = usage[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ctrl.MemoryUsage = vm.UsedPercent
	}

	body, err := ctrl.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.socket.Send(zmq4.NewMsgFrom([]byte{}, []byte(tag), body))
}

// send writes a response back to the broker, echoing the client identity so
// the broker can route without a registry lookup if needed.
func (w *Worker) send(clientID, payload []byte) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if len(clientID) > 0 {
		return w.socket.Send(zmq4.NewMsgFrom(clientID, []byte{}, payload))
	}
	return w.socket.Send(zmq4.NewMsgFrom([]byte{}, payload))
}

// shutdown flushes a final stopped status row.
func (w *Worker) shutdown() {
	processed := w.processed.Load()
	if err := w.store.UpsertWorker(w.cfg.ID, "stopped", store.WorkerUpdate{ProcessedRequests: &processed}); err != nil {
		w.log.Warn().Err(err).Msg("Failed to persist stopped status")
	}
	w.log.Info().Int64("processed", processed).Msg("Worker stopped")
}

// splitRequestFrames extracts the client identity and payload from broker
// request frames of any tolerated shape.
func splitRequestFrames(frames [][]byte) (clientID, payload []byte, err error) {
	if len(frames) == 0 {
		return nil, nil, fmt.Errorf("empty message")
	}
	payload = frames[len(frames)-1]
	if len(payload) == 0 {
		return nil, nil, fmt.Errorf("empty payload frame")
	}
	for _, f := range frames[:len(frames)-1] {
		if len(f) > 0 {
			clientID = f
			break
		}
	}
	return clientID, payload, nil
}

// isTransientError reports whether a receive error is safe to retry.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "resource temporarily unavailable") ||
		strings.Contains(msg, "operation would block") ||
		strings.Contains(msg, "no message available")
}
