package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/event"
)

func TestCodecDecode(t *testing.T) {
	codec := Codec{}

	tests := []struct {
		name    string
		raw     string
		want    ClientMessage
		wantErr bool
	}{
		{
			name: "heartbeat",
			raw:  `{"op":1,"d":null,"s":null,"t":null}`,
			want: HeartbeatMessage{},
		},
		{
			name: "heartbeat without padding fields",
			raw:  `{"op":1}`,
			want: HeartbeatMessage{},
		},
		{
			name: "identify",
			raw:  `{"op":2,"d":{"token":"tok-1","intents":3,"guilds":["g1"],"channels":["general"]}}`,
			want: IdentifyMessage{
				Token:    "tok-1",
				Intents:  3,
				Guilds:   []string{"g1"},
				Channels: []string{"general"},
			},
		},
		{
			name:    "identify missing token",
			raw:     `{"op":2,"d":{"intents":3}}`,
			wantErr: true,
		},
		{
			name:    "identify missing payload",
			raw:     `{"op":2}`,
			wantErr: true,
		},
		{
			name: "resume",
			raw:  `{"op":6,"d":{"session_id":"sess-1","resume_token":"rt-1","last_seq":42}}`,
			want: ResumeMessage{SessionID: "sess-1", ResumeToken: "rt-1", LastSeq: 42},
		},
		{
			name:    "resume missing token",
			raw:     `{"op":6,"d":{"session_id":"sess-1"}}`,
			wantErr: true,
		},
		{
			name: "server-only opcode from client",
			raw:  `{"op":10,"d":{"heartbeat_interval":41250}}`,
			want: UnknownMessage{Op: OpHello},
		},
		{
			name: "unassigned opcode",
			raw:  `{"op":42}`,
			want: UnknownMessage{Op: 42},
		},
		{
			name:    "malformed json",
			raw:     `{"op":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := codec.Decode([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrDecodeFailed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestCodecEncodeDispatch(t *testing.T) {
	codec := Codec{}

	data, err := codec.Encode(DispatchMessage{
		Seq:       7,
		EventType: event.TypeMessageCreate,
		Payload:   json.RawMessage(`{"content":"hi"}`),
	})
	require.NoError(t, err)

	var frame struct {
		Op int             `json:"op"`
		D  json.RawMessage `json:"d"`
		S  *uint64         `json:"s"`
		T  *string         `json:"t"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))

	assert.Equal(t, 0, frame.Op)
	require.NotNil(t, frame.S)
	assert.Equal(t, uint64(7), *frame.S)
	require.NotNil(t, frame.T)
	assert.Equal(t, "MESSAGE_CREATE", *frame.T)
	assert.JSONEq(t, `{"content":"hi"}`, string(frame.D))
}

func TestCodecEncodeReady(t *testing.T) {
	codec := Codec{}

	data, err := codec.Encode(ReadyMessage{
		SessionID:   "sess-1",
		ResumeToken: "rt-1",
		UserID:      "user-1",
	})
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))

	assert.Equal(t, OpDispatch, frame.Op)
	require.NotNil(t, frame.S)
	assert.Equal(t, uint64(0), *frame.S)
	require.NotNil(t, frame.T)
	assert.Equal(t, "READY", *frame.T)

	var payload ReadyPayload
	require.NoError(t, json.Unmarshal(frame.D, &payload))
	assert.Equal(t, "sess-1", payload.SessionID)
	assert.Equal(t, "rt-1", payload.ResumeToken)
	assert.Equal(t, "user-1", payload.UserID)
}

func TestCodecEncodeControlFrames(t *testing.T) {
	codec := Codec{}

	tests := []struct {
		name   string
		msg    ServerMessage
		wantOp Opcode
	}{
		{"hello", HelloMessage{HeartbeatInterval: 41250}, OpHello},
		{"heartbeat ack", HeartbeatAckMessage{}, OpHeartbeatAck},
		{"reconnect", ReconnectMessage{}, OpReconnect},
		{"invalid session", InvalidSessionMessage{Resumable: false}, OpInvalidSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := codec.Encode(tt.msg)
			require.NoError(t, err)

			var frame Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			assert.Equal(t, tt.wantOp, frame.Op)
			// Control frames carry no sequence or event type.
			assert.Nil(t, frame.S)
			assert.Nil(t, frame.T)
		})
	}
}

func TestCodecEncodeHelloInterval(t *testing.T) {
	codec := Codec{}

	data, err := codec.Encode(HelloMessage{HeartbeatInterval: 41250})
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))

	var payload struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	require.NoError(t, json.Unmarshal(frame.D, &payload))
	assert.Equal(t, int64(41250), payload.HeartbeatInterval)
}

func TestCodecEncodeResumed(t *testing.T) {
	codec := Codec{}

	body, err := json.Marshal(ResumedPayload{ResumeToken: "rt-2"})
	require.NoError(t, err)

	data, err := codec.Encode(DispatchMessage{Seq: 12, EventType: event.TypeResumed, Payload: body})
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))

	assert.Equal(t, OpDispatch, frame.Op)
	require.NotNil(t, frame.S)
	assert.Equal(t, uint64(12), *frame.S)
	require.NotNil(t, frame.T)
	assert.Equal(t, "RESUMED", *frame.T)

	var payload ResumedPayload
	require.NoError(t, json.Unmarshal(frame.D, &payload))
	assert.Equal(t, "rt-2", payload.ResumeToken)
}
