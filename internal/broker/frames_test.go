package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientFrameDealerStyle(t *testing.T) {
	cf, err := ParseClientFrame([][]byte{[]byte("client-1"), {}, []byte(`{"method":"health.check"}`)})
	require.NoError(t, err)
	assert.Equal(t, []byte("client-1"), cf.ClientID)
	assert.True(t, cf.ExpectsEmpty)
	assert.JSONEq(t, `{"method":"health.check"}`, string(cf.Payload))
}

func TestParseClientFrameReqStyle(t *testing.T) {
	cf, err := ParseClientFrame([][]byte{[]byte("client-1"), []byte(`{"method":"health.check"}`)})
	require.NoError(t, err)
	assert.False(t, cf.ExpectsEmpty)
	assert.JSONEq(t, `{"method":"health.check"}`, string(cf.Payload))
}

func TestParseClientFrameTooShort(t *testing.T) {
	_, err := ParseClientFrame([][]byte{[]byte("client-1")})
	assert.Error(t, err)
}

func TestBuildClientReplyMirrorsFraming(t *testing.T) {
	withEmpty := BuildClientReply([]byte("c"), true, []byte("p"))
	require.Len(t, withEmpty.Frames, 3)
	assert.Empty(t, withEmpty.Frames[1])

	withoutEmpty := BuildClientReply([]byte("c"), false, []byte("p"))
	require.Len(t, withoutEmpty.Frames, 2)
	assert.Equal(t, []byte("p"), withoutEmpty.Frames[1])
}

func TestBuildWorkerRequestFiveFrames(t *testing.T) {
	msg := BuildWorkerRequest("w1", []byte("c1"), []byte("payload"))
	require.Len(t, msg.Frames, 5)
	assert.Equal(t, []byte("w1"), msg.Frames[0])
	assert.Empty(t, msg.Frames[1])
	assert.Equal(t, []byte("c1"), msg.Frames[2])
	assert.Empty(t, msg.Frames[3])
	assert.Equal(t, []byte("payload"), msg.Frames[4])
}

func TestParseBackendFrameRegister(t *testing.T) {
	bf, err := ParseBackendFrame([][]byte{[]byte("w1"), {}, []byte("REGISTER"), []byte(`{"worker_id":"w1"}`)})
	require.NoError(t, err)
	assert.Equal(t, "w1", bf.WorkerID)
	assert.Equal(t, "REGISTER", bf.Control)
	assert.JSONEq(t, `{"worker_id":"w1"}`, string(bf.ControlBody))
}

func TestParseBackendFrameHeartbeatWithoutDelimiter(t *testing.T) {
	bf, err := ParseBackendFrame([][]byte{[]byte("w1"), []byte("HEARTBEAT"), []byte(`{"worker_id":"w1"}`)})
	require.NoError(t, err)
	assert.Equal(t, "HEARTBEAT", bf.Control)
}

func TestParseBackendFrameResponse(t *testing.T) {
	bf, err := ParseBackendFrame([][]byte{[]byte("w1"), []byte("client-1"), {}, []byte(`{"request_id":"r1"}`)})
	require.NoError(t, err)
	assert.Empty(t, bf.Control)
	assert.Equal(t, []byte("client-1"), bf.ClientID)
	assert.JSONEq(t, `{"request_id":"r1"}`, string(bf.Payload))
}

func TestParseBackendFrameLegacyPayloadOnly(t *testing.T) {
	bf, err := ParseBackendFrame([][]byte{[]byte("w1"), {}, []byte(`{"request_id":"r1"}`)})
	require.NoError(t, err)
	assert.Empty(t, bf.Control)
	assert.Nil(t, bf.ClientID)
	assert.JSONEq(t, `{"request_id":"r1"}`, string(bf.Payload))
}

func TestParseBackendFrameNoPayload(t *testing.T) {
	_, err := ParseBackendFrame([][]byte{[]byte("w1"), {}})
	assert.Error(t, err)
}
