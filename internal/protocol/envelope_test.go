package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest_RoundTrip(t *testing.T) {
	original := &Request{
		Method:    MethodScanMarket,
		Params:    map[string]interface{}{"market_type": "stock"},
		RequestID: "r1",
		Timestamp: 1700000000.5,
	}

	payload, err := original.Marshal()
	require.NoError(t, err)

	parsed, err := ParseRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestParseRequest_GeneratesRequestID(t *testing.T) {
	req1, err := ParseRequest([]byte(`{"method":"health.check"}`))
	require.NoError(t, err)
	req2, err := ParseRequest([]byte(`{"method":"health.check"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, req1.RequestID)
	assert.NotEmpty(t, req2.RequestID)
	assert.NotEqual(t, req1.RequestID, req2.RequestID)
	assert.NotZero(t, req1.Timestamp)
}

func TestParseRequest_InvalidJSON(t *testing.T) {
	_, err := ParseRequest([]byte(`{"method": not json`))
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, ErrInvalidJSON, parseErr.Type)
}

func TestParseRequest_UnsupportedMethod(t *testing.T) {
	_, err := ParseRequest([]byte(`{"method":"delete.everything","request_id":"r9"}`))
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, ErrUnsupportedMethod, parseErr.Type)
	assert.Contains(t, parseErr.Message, "delete.everything")
}

func TestSupportedMethods_Closed(t *testing.T) {
	for _, m := range SupportedMethods() {
		assert.True(t, IsSupportedMethod(m), m)
	}
	assert.False(t, IsSupportedMethod("scan.everything"))
	assert.False(t, IsSupportedMethod(""))
}

func TestResponse_Marshal(t *testing.T) {
	resp := NewError("r3", ErrValidation, "quantity must be a positive number")
	payload, err := resp.Marshal()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "error", decoded["status"])
	assert.Equal(t, "r3", decoded["request_id"])
	assert.Equal(t, "validation", decoded["type"])

	// Success responses must not carry error fields.
	ok := NewSuccess("r4", map[string]interface{}{"health": "ok"})
	payload, err = ok.Marshal()
	require.NoError(t, err)
	decoded = nil
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "success", decoded["status"])
	assert.NotContains(t, decoded, "error")
	assert.NotContains(t, decoded, "type")
}

func TestParseControl(t *testing.T) {
	msg := &ControlMessage{WorkerID: "worker-1", Timestamp: 123.0, ProcessedRequests: 7}
	body, err := msg.Marshal()
	require.NoError(t, err)

	parsed, err := ParseControl(body)
	require.NoError(t, err)
	assert.Equal(t, msg, parsed)

	_, err = ParseControl([]byte(`{"timestamp": 1}`))
	assert.Error(t, err)

	_, err = ParseControl([]byte(`garbage`))
	assert.Error(t, err)
}
