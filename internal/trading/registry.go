// Package trading implements the method handler boundary: a closed registry
// mapping each supported method to a handler, plus a simulated reference
// engine for environments without a live trading backend.
package trading

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tacore/internal/protocol"
)

// Handler services one method. Returned data becomes the success envelope;
// a returned error becomes a typed error envelope.
type Handler func(ctx context.Context, req *protocol.Request) (interface{}, error)

// HandlerError carries an error type tag across the handler boundary.
type HandlerError struct {
	Type    protocol.ErrorType
	Message string
}

func (e *HandlerError) Error() string { return e.Message }

// Errorf builds a typed handler error.
func Errorf(errType protocol.ErrorType, format string, args ...interface{}) *HandlerError {
	return &HandlerError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Registry is the closed method-to-handler map. Construction fails on
// methods outside the supported set, so a typo cannot silently register an
// unreachable handler.
type Registry struct {
	handlers map[string]Handler
	log      zerolog.Logger
}

// NewRegistry builds a registry from a handler map.
func NewRegistry(handlers map[string]Handler, log zerolog.Logger) (*Registry, error) {
	reg := make(map[string]Handler, len(handlers))
	for method, h := range handlers {
		if !protocol.IsSupportedMethod(method) {
			return nil, fmt.Errorf("cannot register handler for unsupported method %q", method)
		}
		if h == nil {
			return nil, fmt.Errorf("nil handler for method %q", method)
		}
		reg[method] = h
	}
	return &Registry{
		handlers: reg,
		log:      log.With().Str("component", "trading").Logger(),
	}, nil
}

// Methods returns the registered method names.
func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch runs the handler for a request and wraps the outcome in a
// response envelope. Handler failures, including panics, never escape.
func (r *Registry) Dispatch(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("method", req.Method).
				Str("request_id", req.RequestID).
				Interface("panic", rec).
				Msg("Handler panicked")
			resp = protocol.NewError(req.RequestID, protocol.ErrInternal, fmt.Sprintf("handler panic: %v", rec))
		}
	}()

	h, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewError(req.RequestID, protocol.ErrUnsupportedMethod, fmt.Sprintf("no handler for method %q", req.Method))
	}

	data, err := h(ctx, req)
	if err != nil {
		errType := protocol.ErrInternal
		if herr, ok := err.(*HandlerError); ok {
			errType = herr.Type
		}
		r.log.Debug().
			Str("method", req.Method).
			Str("request_id", req.RequestID).
			Str("type", string(errType)).
			Err(err).
			Msg("Handler returned error")
		return protocol.NewError(req.RequestID, errType, err.Error())
	}
	return protocol.NewSuccess(req.RequestID, data)
}
