package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/event"
)

// State is the lifecycle state of a session
type State int

// Session lifecycle states.
const (
	// StateConnecting means the transport is open but Hello is not yet sent
	StateConnecting State = iota
	// StateAwaitingAuth means Hello was sent and the server waits for Identify or Resume
	StateAwaitingAuth
	// StateActive means the session is authenticated and receiving dispatches
	StateActive
	// StateClosing means teardown is in progress
	StateClosing
	// StateClosed is terminal
	StateClosed
)

// String returns a string representation of the session state
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// allowedTransitions is the closed transition table. Any transition not
// listed is a protocol violation.
var allowedTransitions = map[State][]State{
	StateConnecting:   {StateAwaitingAuth, StateClosing, StateClosed},
	StateAwaitingAuth: {StateActive, StateClosing, StateClosed},
	StateActive:       {StateClosing},
	StateClosing:      {StateClosed},
	StateClosed:       {},
}

// Close codes sent with the WebSocket close frame.
const (
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthFailed           = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseSessionTimeout       = 4009
	CloseServiceRestart       = 1012
	CloseTryAgainLater        = 1013
	CloseNormal               = 1000
)

// CloseReason describes why a session is being shut down and what the client
// should be told on the way out.
type CloseReason struct {
	Code          int
	Text          string
	SendReconnect bool // precede the close with a Reconnect frame
	Resumable     bool // keep the session resumable after the transport drops
}

// Session is the canonical state of one connection. It is owned by the
// Registry; other components hold it only through Registry lookups.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	mu            sync.Mutex
	resumeToken   string
	state         State
	seq           uint64
	intents       event.Intents
	guilds        map[string]struct{}
	channels      map[string]struct{}
	lastHeartbeat time.Time
	detached      bool

	replay   *ReplayBuffer
	outbound chan ServerMessage

	closeRequested bool
	closeSignal    chan struct{}
	closeReason    CloseReason
}

// SessionConfig carries the knobs needed to build a session
type SessionConfig struct {
	ID          string
	UserID      string
	ResumeToken string
	Intents     event.Intents
	Guilds      []string
	Channels    []string
	ReplaySize  int
	QueueSize   int
}

// NewSession builds a session in the Connecting state
func NewSession(cfg SessionConfig) (*Session, error) {
	replay, err := NewReplayBuffer(cfg.ReplaySize)
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("queue size must be positive, got %d", cfg.QueueSize),
			"Session", "New", "validate queue size")
	}

	guilds := make(map[string]struct{}, len(cfg.Guilds))
	for _, id := range cfg.Guilds {
		guilds[id] = struct{}{}
	}
	channels := make(map[string]struct{}, len(cfg.Channels))
	for _, id := range cfg.Channels {
		channels[id] = struct{}{}
	}

	return &Session{
		ID:            cfg.ID,
		UserID:        cfg.UserID,
		ConnectedAt:   time.Now(),
		resumeToken:   cfg.ResumeToken,
		state:         StateConnecting,
		intents:       cfg.Intents,
		guilds:        guilds,
		channels:      channels,
		lastHeartbeat: time.Now(),
		replay:        replay,
		outbound:      make(chan ServerMessage, cfg.QueueSize),
		closeSignal:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to a new state, enforcing the transition table
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	for _, allowed := range allowedTransitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, s.state, to),
		"Session", "Transition", "apply state transition")
}

// Seq returns the current sequence counter
func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// ResumeToken returns the current resume token
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// Touch records a received heartbeat
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
}

// LastHeartbeat returns the time of the last received heartbeat
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// AddGuild adds a guild to the subscription scope set
func (s *Session) AddGuild(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guilds[id] = struct{}{}
}

// RemoveGuild removes a guild from the subscription scope set
func (s *Session) RemoveGuild(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.guilds, id)
}

// AddChannel adds a channel to the subscription scope set
func (s *Session) AddChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[id] = struct{}{}
}

// RemoveChannel removes a channel from the subscription scope set
func (s *Session) RemoveChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
}

// Matches reports whether an event addresses this session, combining scope
// membership with the session's declared intents.
func (s *Session) Matches(evt event.DomainEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.intents.Allows(evt.Type) {
		return false
	}

	switch evt.Scope.Kind {
	case event.ScopeBroadcast:
		return true
	case event.ScopeGuild:
		_, ok := s.guilds[evt.Scope.ID]
		return ok
	case event.ScopeChannel:
		_, ok := s.channels[evt.Scope.ID]
		return ok
	case event.ScopeUser:
		return s.UserID == evt.Scope.ID
	default:
		return false
	}
}

// Enqueue puts a server message on the outbound queue without blocking
func (s *Session) Enqueue(msg ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.outbound <- msg:
		return nil
	default:
		return errors.WrapTransient(
			fmt.Errorf("%w: session %s", errors.ErrQueueFull, s.ID),
			"Session", "Enqueue", "enqueue outbound frame")
	}
}

// Outbound exposes the outbound queue to the connection write loop. A resume
// swaps the queue, so callers must not cache the channel across handoffs.
func (s *Session) Outbound() <-chan ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound
}

// QueueDepth returns the number of queued outbound frames
func (s *Session) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}

// DispatchEvent assigns the next sequence number, records the entry in the
// replay buffer, and enqueues a Dispatch frame. The three steps happen under
// one lock so a concurrent resume never observes a sequence without its
// replay entry. A detached session buffers the entry without wire delivery;
// the checks run under the same lock, so an event racing a resume handoff
// either lands in the replay slice or on the fresh outbound queue, never in
// between. Returns ErrQueueFull when the outbound queue is saturated; the
// sequence and replay entry are still committed so the event survives for a
// later resume.
func (s *Session) DispatchEvent(eventType event.Type, payload json.RawMessage) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		s.seq++
		s.replay.Append(ReplayEntry{Seq: s.seq, EventType: eventType, Payload: payload})
		return s.seq, nil
	}

	if s.state != StateActive {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: session %s is %s", errors.ErrSessionClosed, s.ID, s.state),
			"Session", "DispatchEvent", "check session state")
	}

	s.seq++
	seq := s.seq
	s.replay.Append(ReplayEntry{Seq: seq, EventType: eventType, Payload: payload})

	select {
	case s.outbound <- DispatchMessage{Seq: seq, EventType: eventType, Payload: payload}:
		return seq, nil
	default:
		return seq, errors.WrapTransient(
			fmt.Errorf("%w: session %s", errors.ErrQueueFull, s.ID),
			"Session", "DispatchEvent", "enqueue dispatch frame")
	}
}

// Replay returns buffered entries after lastSeq, see ReplayBuffer.ReplayFrom
func (s *Session) Replay(lastSeq uint64) ([]ReplayEntry, error) {
	return s.replay.ReplayFrom(lastSeq)
}

// ReplayFloor returns the oldest retained sequence
func (s *Session) ReplayFloor() uint64 {
	return s.replay.Floor()
}

// RequestClose asks the connection supervisor to shut the session down. The
// first reason wins; later calls are ignored.
func (s *Session) RequestClose(reason CloseReason) {
	s.mu.Lock()
	if s.closeRequested {
		s.mu.Unlock()
		return
	}
	s.closeRequested = true
	s.closeReason = reason
	signal := s.closeSignal
	s.mu.Unlock()

	close(signal)
}

// CloseRequested signals when a close has been requested. A resume resets the
// signal, so callers must not cache the channel across handoffs.
func (s *Session) CloseRequested() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSignal
}

// CloseReason returns the reason recorded by RequestClose
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// markDetached flags the session as buffering-only. Called by the Registry
// while moving the session to the resumable store.
func (s *Session) markDetached(detached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = detached
}

// Detached reports whether the session is in the resumable store
func (s *Session) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// reattach revives a detached session for a new transport. The replay slice
// and the reactivation happen under one lock, so every event sequenced after
// the slice is taken lands on the fresh outbound queue instead of falling
// between the two. Called by the Registry with the registry lock held.
func (s *Session) reattach(lastSeq uint64, queueSize int, token string) ([]ReplayEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.replay.ReplayFrom(lastSeq)
	if err != nil {
		return nil, err
	}

	s.state = StateActive
	s.detached = false
	s.resumeToken = token
	s.outbound = make(chan ServerMessage, queueSize)
	s.closeSignal = make(chan struct{})
	s.closeRequested = false
	s.closeReason = CloseReason{}
	s.lastHeartbeat = time.Now()
	return entries, nil
}
