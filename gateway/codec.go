package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/event"
)

// Opcode identifies the kind of wire frame
type Opcode int

// Wire protocol opcodes.
const (
	OpDispatch       Opcode = 0  // server -> client, event delivery
	OpHeartbeat      Opcode = 1  // client -> server, liveness ping
	OpIdentify       Opcode = 2  // client -> server, fresh authentication
	OpResume         Opcode = 6  // client -> server, re-attach a prior session
	OpReconnect      Opcode = 7  // server -> client, disconnect and reconnect fresh
	OpInvalidSession Opcode = 9  // server -> client, resume rejected
	OpHello          Opcode = 10 // server -> client, handshake start
	OpHeartbeatAck   Opcode = 11 // server -> client, liveness ack
)

// Frame is the wire envelope: {"op": <int>, "d": <any>, "s": <int|null>, "t": <string|null>}
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *uint64         `json:"s"`
	T  *string         `json:"t"`
}

// ClientMessage is the closed set of frames a client may send
type ClientMessage interface {
	isClientMessage()
}

// HeartbeatMessage is a client liveness ping
type HeartbeatMessage struct{}

// IdentifyMessage authenticates a fresh connection
type IdentifyMessage struct {
	Token    string        `json:"token"`
	Intents  event.Intents `json:"intents"`
	Guilds   []string      `json:"guilds,omitempty"`
	Channels []string      `json:"channels,omitempty"`
}

// ResumeMessage re-attaches a dropped transport to its prior session
type ResumeMessage struct {
	SessionID   string `json:"session_id"`
	ResumeToken string `json:"resume_token"`
	LastSeq     uint64 `json:"last_seq"`
}

// UnknownMessage carries an opcode outside the client-sendable set
type UnknownMessage struct {
	Op Opcode
}

func (HeartbeatMessage) isClientMessage() {}
func (IdentifyMessage) isClientMessage()  {}
func (ResumeMessage) isClientMessage()    {}
func (UnknownMessage) isClientMessage()   {}

// ServerMessage is the closed set of frames the server may send
type ServerMessage interface {
	isServerMessage()
}

// HelloMessage opens the handshake and advertises the heartbeat interval
type HelloMessage struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// DispatchMessage delivers one sequenced event
type DispatchMessage struct {
	Seq       uint64
	EventType event.Type
	Payload   json.RawMessage
}

// HeartbeatAckMessage acknowledges a client heartbeat
type HeartbeatAckMessage struct{}

// ReconnectMessage instructs the client to disconnect and reconnect fresh
type ReconnectMessage struct{}

// InvalidSessionMessage rejects a resume attempt. Resumable hints whether a
// retry with a fresh Identify is worthwhile.
type InvalidSessionMessage struct {
	Resumable bool
}

// ReadyPayload is the d field of the READY dispatch
type ReadyPayload struct {
	SessionID   string `json:"session_id"`
	ResumeToken string `json:"resume_token"`
	UserID      string `json:"user_id"`
}

// ReadyMessage completes a fresh Identify. Sent as a dispatch with t=READY
// and s=0; the first real event carries s=1.
type ReadyMessage struct {
	SessionID   string
	ResumeToken string
	UserID      string
}

// ResumedPayload is the d field of the RESUMED dispatch. The RESUMED frame
// itself is an ordinary dispatch with t=RESUMED: it consumes a sequence
// number and rides the outbound queue like any other event.
type ResumedPayload struct {
	ResumeToken string `json:"resume_token"`
}

func (HelloMessage) isServerMessage()          {}
func (DispatchMessage) isServerMessage()       {}
func (HeartbeatAckMessage) isServerMessage()   {}
func (ReconnectMessage) isServerMessage()      {}
func (InvalidSessionMessage) isServerMessage() {}
func (ReadyMessage) isServerMessage()          {}

// Codec translates between raw frames and message variants. Stateless.
type Codec struct{}

// clientOpcodes are the opcodes a client is allowed to send
var clientOpcodes = map[Opcode]bool{
	OpHeartbeat: true,
	OpIdentify:  true,
	OpResume:    true,
}

// Decode parses a raw frame into a ClientMessage. Malformed JSON and missing
// required fields are decode errors, fatal to the connection. An opcode
// outside the client-sendable set decodes into UnknownMessage so the session
// state machine can reject it with the right close code.
func (Codec) Decode(raw []byte) (ClientMessage, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
			"Codec", "Decode", "parse frame")
	}

	switch frame.Op {
	case OpHeartbeat:
		return HeartbeatMessage{}, nil

	case OpIdentify:
		var msg IdentifyMessage
		if len(frame.D) == 0 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: identify requires d", errors.ErrDecodeFailed),
				"Codec", "Decode", "parse identify payload")
		}
		if err := json.Unmarshal(frame.D, &msg); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
				"Codec", "Decode", "parse identify payload")
		}
		if msg.Token == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: identify requires token", errors.ErrDecodeFailed),
				"Codec", "Decode", "validate identify payload")
		}
		return msg, nil

	case OpResume:
		var msg ResumeMessage
		if len(frame.D) == 0 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: resume requires d", errors.ErrDecodeFailed),
				"Codec", "Decode", "parse resume payload")
		}
		if err := json.Unmarshal(frame.D, &msg); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
				"Codec", "Decode", "parse resume payload")
		}
		if msg.SessionID == "" || msg.ResumeToken == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: resume requires session_id and resume_token", errors.ErrDecodeFailed),
				"Codec", "Decode", "validate resume payload")
		}
		return msg, nil

	default:
		return UnknownMessage{Op: frame.Op}, nil
	}
}

// Encode serializes a ServerMessage to its wire frame
func (Codec) Encode(msg ServerMessage) ([]byte, error) {
	frame, err := buildFrame(msg)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, errors.WrapFatal(err, "Codec", "Encode", "marshal frame")
	}
	return data, nil
}

func buildFrame(msg ServerMessage) (Frame, error) {
	switch m := msg.(type) {
	case HelloMessage:
		d, err := json.Marshal(m)
		if err != nil {
			return Frame{}, errors.WrapFatal(err, "Codec", "Encode", "marshal hello payload")
		}
		return Frame{Op: OpHello, D: d}, nil

	case DispatchMessage:
		seq := m.Seq
		t := string(m.EventType)
		return Frame{Op: OpDispatch, D: m.Payload, S: &seq, T: &t}, nil

	case HeartbeatAckMessage:
		return Frame{Op: OpHeartbeatAck}, nil

	case ReconnectMessage:
		return Frame{Op: OpReconnect}, nil

	case InvalidSessionMessage:
		d, err := json.Marshal(m.Resumable)
		if err != nil {
			return Frame{}, errors.WrapFatal(err, "Codec", "Encode", "marshal invalid session payload")
		}
		return Frame{Op: OpInvalidSession, D: d}, nil

	case ReadyMessage:
		d, err := json.Marshal(ReadyPayload{
			SessionID:   m.SessionID,
			ResumeToken: m.ResumeToken,
			UserID:      m.UserID,
		})
		if err != nil {
			return Frame{}, errors.WrapFatal(err, "Codec", "Encode", "marshal ready payload")
		}
		seq := uint64(0)
		t := string(event.TypeReady)
		return Frame{Op: OpDispatch, D: d, S: &seq, T: &t}, nil

	default:
		return Frame{}, errors.WrapFatal(
			fmt.Errorf("unhandled server message %T", msg),
			"Codec", "Encode", "build frame")
	}
}
