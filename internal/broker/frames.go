package broker

import (
	"fmt"

	"github.com/go-zeromq/zmq4"

	"github.com/aristath/tacore/internal/protocol"
)

// ClientFrame is a parsed frontend message. ExpectsEmpty records whether the
// client used DEALER-style framing with an empty delimiter; the reply must
// use the same shape.
type ClientFrame struct {
	ClientID     []byte
	ExpectsEmpty bool
	Payload      []byte
}

// BackendFrame is a parsed backend message: either a control message
// (REGISTER/HEARTBEAT with a JSON body) or a worker response.
type BackendFrame struct {
	WorkerID    string
	Control     string // "" for responses
	ControlBody []byte
	ClientID    []byte // fallback only; pending_requests lookup is authoritative
	Payload     []byte
}

// ParseClientFrame decodes a frontend ROUTER message. The first frame is the
// peer identity; a DEALER client adds an empty delimiter before the payload,
// a REQ-style client does not.
func ParseClientFrame(frames [][]byte) (ClientFrame, error) {
	if len(frames) < 2 {
		return ClientFrame{}, fmt.Errorf("frontend message has %d frames, need at least 2", len(frames))
	}

	cf := ClientFrame{
		ClientID: frames[0],
		Payload:  frames[len(frames)-1],
	}
	if len(frames) >= 3 && len(frames[1]) == 0 {
		cf.ExpectsEmpty = true
	}
	return cf, nil
}

// BuildClientReply frames a payload for the frontend, mirroring the framing
// the client used on the way in.
func BuildClientReply(clientID []byte, expectsEmpty bool, payload []byte) zmq4.Msg {
	if expectsEmpty {
		return zmq4.NewMsgFrom(clientID, []byte{}, payload)
	}
	return zmq4.NewMsgFrom(clientID, payload)
}

// BuildWorkerRequest frames a request for the backend in the 5-frame form
// the worker expects.
func BuildWorkerRequest(workerID string, clientID, payload []byte) zmq4.Msg {
	return zmq4.NewMsgFrom([]byte(workerID), []byte{}, clientID, []byte{}, payload)
}

// ParseBackendFrame decodes a backend ROUTER message. The first frame is the
// worker identity. Control messages carry an uppercase tag followed by a
// JSON body; anything else is a response whose last frame is the payload,
// optionally preceded by a client identity. Empty delimiter frames are
// tolerated anywhere, including the legacy shape with no client frame.
func ParseBackendFrame(frames [][]byte) (BackendFrame, error) {
	if len(frames) < 2 {
		return BackendFrame{}, fmt.Errorf("backend message has %d frames, need at least 2", len(frames))
	}

	bf := BackendFrame{WorkerID: string(frames[0])}

	var rest [][]byte
	for _, f := range frames[1:] {
		if len(f) == 0 {
			continue
		}
		rest = append(rest, f)
	}
	if len(rest) == 0 {
		return BackendFrame{}, fmt.Errorf("backend message from %s has no payload", bf.WorkerID)
	}

	if tag := string(rest[0]); tag == protocol.ControlRegister || tag == protocol.ControlHeartbeat {
		bf.Control = tag
		if len(rest) > 1 {
			bf.ControlBody = rest[1]
		}
		return bf, nil
	}

	bf.Payload = rest[len(rest)-1]
	if len(rest) > 1 {
		bf.ClientID = rest[0]
	}
	return bf, nil
}
