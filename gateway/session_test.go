package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/event"
)

func newTestSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()

	if cfg.ID == "" {
		cfg.ID = "sess-1"
	}
	if cfg.UserID == "" {
		cfg.UserID = "user-1"
	}
	if cfg.ResumeToken == "" {
		cfg.ResumeToken = "rt-1"
	}
	if cfg.ReplaySize == 0 {
		cfg.ReplaySize = 16
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 8
	}

	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s
}

func activateSession(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Transition(StateAwaitingAuth))
	require.NoError(t, s.Transition(StateActive))
}

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []State
		wantErr bool
	}{
		{name: "full lifecycle", path: []State{StateAwaitingAuth, StateActive, StateClosing, StateClosed}},
		{name: "abort before auth", path: []State{StateAwaitingAuth, StateClosing, StateClosed}},
		{name: "immediate close", path: []State{StateClosed}},
		{name: "skip awaiting auth", path: []State{StateActive}, wantErr: true},
		{name: "active cannot close directly", path: []State{StateAwaitingAuth, StateActive, StateClosed}, wantErr: true},
		{name: "no reopening", path: []State{StateClosed, StateAwaitingAuth}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, SessionConfig{})

			var err error
			for _, to := range tt.path {
				if err = s.Transition(to); err != nil {
					break
				}
			}
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDispatchEventSequencing(t *testing.T) {
	s := newTestSession(t, SessionConfig{})
	activateSession(t, s)

	payload := json.RawMessage(`{"content":"hi"}`)

	for want := uint64(1); want <= 3; want++ {
		seq, err := s.DispatchEvent(event.TypeMessageCreate, payload)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	// Frames arrive in sequence order.
	for want := uint64(1); want <= 3; want++ {
		msg := <-s.Outbound()
		dispatch, ok := msg.(DispatchMessage)
		require.True(t, ok)
		assert.Equal(t, want, dispatch.Seq)
	}
}

func TestDispatchEventRequiresActive(t *testing.T) {
	s := newTestSession(t, SessionConfig{})

	_, err := s.DispatchEvent(event.TypeMessageCreate, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionClosed))
}

func TestDispatchEventQueueFullStillCommits(t *testing.T) {
	s := newTestSession(t, SessionConfig{QueueSize: 1})
	activateSession(t, s)

	payload := json.RawMessage(`{}`)

	seq, err := s.DispatchEvent(event.TypeMessageCreate, payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	// Queue is full now; the sequence and replay entry must still advance so
	// a later resume can recover the frame.
	seq, err = s.DispatchEvent(event.TypeMessageCreate, payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQueueFull))
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, uint64(2), s.Seq())

	entries, err := s.Replay(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Seq)
}

func TestDispatchEventBuffersWhileDetached(t *testing.T) {
	s := newTestSession(t, SessionConfig{})
	activateSession(t, s)
	s.markDetached(true)

	seq, err := s.DispatchEvent(event.TypeMessageCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	// Nothing hits the queue; the entry waits in the replay buffer.
	assert.Equal(t, 0, s.QueueDepth())

	entries, err := s.Replay(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSessionMatches(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		UserID:   "user-1",
		Guilds:   []string{"g1"},
		Channels: []string{"general"},
	})

	payload := json.RawMessage(`{}`)

	tests := []struct {
		name string
		evt  event.DomainEvent
		want bool
	}{
		{"subscribed channel", event.New(event.TypeMessageCreate, event.ChannelScope("general"), payload), true},
		{"other channel", event.New(event.TypeMessageCreate, event.ChannelScope("random"), payload), false},
		{"subscribed guild", event.New(event.TypeGuildUpdate, event.GuildScope("g1"), payload), true},
		{"other guild", event.New(event.TypeGuildUpdate, event.GuildScope("g2"), payload), false},
		{"own user scope", event.New(event.TypeUserUpdate, event.UserScope("user-1"), payload), true},
		{"other user scope", event.New(event.TypeUserUpdate, event.UserScope("user-2"), payload), false},
		{"broadcast", event.New(event.TypePresenceUpdate, event.BroadcastScope(), payload), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Matches(tt.evt))
		})
	}
}

func TestSessionMatchesHonorsIntents(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Intents:  event.IntentGuilds,
		Channels: []string{"general"},
	})

	payload := json.RawMessage(`{}`)

	// The channel is subscribed but messages are outside the declared intents.
	msg := event.New(event.TypeMessageCreate, event.ChannelScope("general"), payload)
	assert.False(t, s.Matches(msg))

	chn := event.New(event.TypeChannelUpdate, event.ChannelScope("general"), payload)
	assert.True(t, s.Matches(chn))
}

func TestRequestCloseFirstReasonWins(t *testing.T) {
	s := newTestSession(t, SessionConfig{})

	s.RequestClose(CloseReason{Code: CloseSessionTimeout, Resumable: true})
	s.RequestClose(CloseReason{Code: CloseNormal})

	select {
	case <-s.CloseRequested():
	default:
		t.Fatal("close was not signalled")
	}

	reason := s.CloseReason()
	assert.Equal(t, CloseSessionTimeout, reason.Code)
	assert.True(t, reason.Resumable)
}

func TestSessionTouch(t *testing.T) {
	s := newTestSession(t, SessionConfig{})

	now := time.Now().Add(5 * time.Second)
	s.Touch(now)
	assert.Equal(t, now, s.LastHeartbeat())
}
