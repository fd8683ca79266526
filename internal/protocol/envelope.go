// Package protocol defines the wire envelopes and validation rules for the
// TACoreService request broker. Payloads are UTF-8 JSON; control messages are
// uppercase ASCII tags followed by a JSON body.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Supported method names
const (
	MethodScanMarket    = "scan.market"
	MethodExecuteOrder  = "execute.order"
	MethodEvaluateRisk  = "evaluate.risk"
	MethodAnalyzeStock  = "analyze.stock"
	MethodGetMarketData = "get.market_data"
	MethodHealthCheck   = "health.check"
)

// Control message tags exchanged on the backend socket
const (
	ControlRegister  = "REGISTER"
	ControlHeartbeat = "HEARTBEAT"
)

// Response status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrorType tags error responses so clients can dispatch on failure kind
type ErrorType string

const (
	ErrInvalidJSON       ErrorType = "invalid_json"
	ErrValidation        ErrorType = "validation"
	ErrUnsupportedMethod ErrorType = "unsupported_method"
	ErrNoWorkers         ErrorType = "no_workers"
	ErrMarketClosed      ErrorType = "market_closed"
	ErrExecution         ErrorType = "execution"
	ErrEvaluation        ErrorType = "evaluation"
	ErrScanner           ErrorType = "scanner_error"
	ErrExecutor          ErrorType = "executor_error"
	ErrInternal          ErrorType = "internal_error"
)

// supportedMethods is the closed set of dispatchable methods. Membership is
// checked at parse time, never at dispatch time.
var supportedMethods = map[string]bool{
	MethodScanMarket:    true,
	MethodExecuteOrder:  true,
	MethodEvaluateRisk:  true,
	MethodAnalyzeStock:  true,
	MethodGetMarketData: true,
	MethodHealthCheck:   true,
}

// SupportedMethods returns the supported method names in stable order.
func SupportedMethods() []string {
	return []string{
		MethodScanMarket,
		MethodExecuteOrder,
		MethodEvaluateRisk,
		MethodAnalyzeStock,
		MethodGetMarketData,
		MethodHealthCheck,
	}
}

// IsSupportedMethod reports whether method is in the closed registry.
func IsSupportedMethod(method string) bool {
	return supportedMethods[method]
}

// Request is the in-flight request envelope.
type Request struct {
	Method    string                 `json:"method"`
	Params    map[string]interface{} `json:"params,omitempty"`
	RequestID string                 `json:"request_id"`
	Timestamp float64                `json:"timestamp,omitempty"`
}

// Response is the reply envelope.
type Response struct {
	Status           string      `json:"status"`
	RequestID        string      `json:"request_id"`
	Data             interface{} `json:"data,omitempty"`
	Error            string      `json:"error,omitempty"`
	Type             ErrorType   `json:"type,omitempty"`
	ProcessingTimeMS float64     `json:"processing_time_ms,omitempty"`
	Timestamp        float64     `json:"timestamp"`
}

// ControlMessage is the JSON body following a REGISTER or HEARTBEAT tag.
type ControlMessage struct {
	WorkerID          string  `json:"worker_id"`
	Timestamp         float64 `json:"timestamp"`
	ProcessedRequests int64   `json:"processed_requests,omitempty"`
	CPUUsage          float64 `json:"cpu_usage,omitempty"`
	MemoryUsage       float64 `json:"memory_usage,omitempty"`
}

// ParseError describes why a payload could not become a valid Request.
type ParseError struct {
	Type    ErrorType
	Message string
}

func (e *ParseError) Error() string { return e.Message }

// ParseRequest decodes a request payload, generating a request_id when the
// client did not supply one. Returns a ParseError with type invalid_json or
// unsupported_method on failure.
func ParseRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &ParseError{Type: ErrInvalidJSON, Message: fmt.Sprintf("invalid JSON payload: %v", err)}
	}
	if !IsSupportedMethod(req.Method) {
		return nil, &ParseError{Type: ErrUnsupportedMethod, Message: fmt.Sprintf("unsupported method: %q", req.Method)}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp == 0 {
		req.Timestamp = Now()
	}
	return &req, nil
}

// ParseResponse decodes a response payload.
func ParseResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("invalid response payload: %w", err)
	}
	return &resp, nil
}

// Marshal serializes a Request back to wire form.
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Marshal serializes a Response to wire form.
func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// NewSuccess builds a success response for a request.
func NewSuccess(requestID string, data interface{}) *Response {
	return &Response{
		Status:    StatusSuccess,
		RequestID: requestID,
		Data:      data,
		Timestamp: Now(),
	}
}

// NewError builds an error response with a type tag.
func NewError(requestID string, errType ErrorType, message string) *Response {
	return &Response{
		Status:    StatusError,
		RequestID: requestID,
		Error:     message,
		Type:      errType,
		Timestamp: Now(),
	}
}

// ParseControl decodes a control message body.
func ParseControl(body []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid control message: %w", err)
	}
	if msg.WorkerID == "" {
		return nil, fmt.Errorf("control message missing worker_id")
	}
	return &msg, nil
}

// Marshal serializes a ControlMessage.
func (m *ControlMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Now returns the current time as Unix seconds with sub-second precision,
// the timestamp format used throughout the wire protocol.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
