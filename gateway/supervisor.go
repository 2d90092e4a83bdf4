package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/event"
)

// supervisor owns one connection end to end: handshake, session
// registration, and the read/write loops. Whichever side detects a failure,
// the transport is closed exactly once and the session leaves the registry.
type supervisor struct {
	server  *Server
	conn    *websocket.Conn
	codec   Codec
	logger  *slog.Logger
	session *Session

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSupervisor(server *Server, conn *websocket.Conn) *supervisor {
	return &supervisor{
		server: server,
		conn:   conn,
		logger: server.logger.With("component", "supervisor", "remote", conn.RemoteAddr().String()),
	}
}

// run drives the connection: Hello, auth, then concurrent read/write duties
func (sv *supervisor) run(ctx context.Context) {
	defer sv.cleanup()

	cfg := sv.server.cfg
	sv.conn.SetReadLimit(cfg.MaxFrameBytes)

	// Connecting -> AwaitingAuth: Hello goes out immediately on accept.
	hello := HelloMessage{HeartbeatInterval: cfg.HeartbeatInterval.Milliseconds()}
	if err := sv.writeMessage(hello); err != nil {
		sv.logger.Debug("hello write failed", "error", err)
		return
	}

	if !sv.awaitAuth(ctx) {
		return
	}

	sv.logger = sv.logger.With("session_id", sv.session.ID, "user_id", sv.session.UserID)
	sv.logger.Info("session active")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sv.readLoop() })
	group.Go(func() error { return sv.writeLoop(groupCtx) })
	_ = group.Wait()
}

// awaitAuth runs the AwaitingAuth phase: the client must Identify or Resume
// within the auth timeout. Heartbeats are answered but do not extend the
// deadline. Returns true once the session is Active.
func (sv *supervisor) awaitAuth(ctx context.Context) bool {
	cfg := sv.server.cfg
	deadline := time.Now().Add(cfg.AuthTimeout)

	for {
		_ = sv.conn.SetReadDeadline(deadline)
		_, raw, err := sv.conn.ReadMessage()
		if err != nil {
			// Timeout or transport loss before authentication.
			sv.closeWithCode(CloseNotAuthenticated, "authentication timed out")
			return false
		}

		msg, err := sv.codec.Decode(raw)
		if err != nil {
			sv.closeWithCode(CloseDecodeError, "decoding error")
			return false
		}
		sv.server.framesIn.Add(1)

		switch m := msg.(type) {
		case HeartbeatMessage:
			if err := sv.writeMessage(HeartbeatAckMessage{}); err != nil {
				return false
			}

		case IdentifyMessage:
			return sv.handleIdentify(ctx, m)

		case ResumeMessage:
			return sv.handleResume(m)

		case UnknownMessage:
			sv.closeWithCode(CloseUnknownOpcode, "unknown opcode")
			return false
		}
	}
}

// handleIdentify validates the token and admits a fresh session
func (sv *supervisor) handleIdentify(ctx context.Context, msg IdentifyMessage) bool {
	cfg := sv.server.cfg

	identity, err := sv.server.validator.Validate(ctx, msg.Token)
	if err != nil {
		sv.logger.Info("identify rejected", "error", err)
		if sv.server.metrics != nil {
			sv.server.metrics.authFailuresTotal.Inc()
		}
		sv.closeWithCode(CloseAuthFailed, "authentication failed")
		return false
	}

	session, err := NewSession(SessionConfig{
		ID:          uuid.NewString(),
		UserID:      identity.UserID,
		ResumeToken: uuid.NewString(),
		Intents:     msg.Intents,
		Guilds:      msg.Guilds,
		Channels:    msg.Channels,
		ReplaySize:  cfg.ReplayBufferSize,
		QueueSize:   cfg.OutboundQueueSize,
	})
	if err != nil {
		sv.logger.Error("session construction failed", "error", err)
		sv.closeWithCode(CloseTryAgainLater, "internal error")
		return false
	}

	if !sv.activate(session) {
		return false
	}

	if err := sv.writeMessage(ReadyMessage{
		SessionID:   session.ID,
		ResumeToken: session.ResumeToken(),
		UserID:      session.UserID,
	}); err != nil {
		sv.logger.Debug("ready write failed", "error", err)
		sv.session.RequestClose(CloseReason{Resumable: true})
		return false
	}
	return true
}

// handleResume validates the resume attempt, replays the gap, and re-admits
// the session
func (sv *supervisor) handleResume(msg ResumeMessage) bool {
	cfg := sv.server.cfg

	session, entries, err := sv.server.registry.Resume(
		msg.SessionID, msg.ResumeToken, msg.LastSeq, cfg.OutboundQueueSize)
	if err != nil {
		sv.logger.Info("resume rejected", "session_id", msg.SessionID, "error", err)
		if sv.server.metrics != nil {
			sv.server.metrics.resumesTotal.WithLabelValues("rejected").Inc()
		}

		// The client should fall back to a fresh Identify.
		_ = sv.writeMessage(InvalidSessionMessage{Resumable: false})
		if errors.Is(err, errors.ErrReplayUnavailable) {
			sv.closeWithCode(CloseInvalidSeq, "requested sequence no longer retained")
		} else {
			sv.closeWithCode(CloseSessionTimeout, "session not resumable")
		}
		return false
	}

	// The session is already live again; from here on the bus may be
	// sequencing new events onto its fresh outbound queue.
	sv.session = session
	session.Touch(time.Now())
	sv.server.noteSessionCounts()

	for _, entry := range entries {
		dispatch := DispatchMessage{Seq: entry.Seq, EventType: entry.EventType, Payload: entry.Payload}
		if err := sv.writeMessage(dispatch); err != nil {
			sv.logger.Debug("replay write failed", "error", err)
			session.RequestClose(CloseReason{Resumable: true})
			return false
		}
	}

	// RESUMED consumes the next sequence number and carries the rotated
	// resume token. It goes through the outbound queue, behind any dispatch
	// that raced the handoff, so the wire sequence stays contiguous.
	payload, err := json.Marshal(ResumedPayload{ResumeToken: session.ResumeToken()})
	if err != nil {
		sv.logger.Error("resumed payload marshal failed", "error", err)
		session.RequestClose(CloseReason{Resumable: true})
		return false
	}
	if _, err := session.DispatchEvent(event.TypeResumed, payload); err != nil {
		// The queue filled before the write loop even started; apply the
		// slow-consumer close sequence.
		session.RequestClose(CloseReason{
			Code:          CloseTryAgainLater,
			Text:          "slow consumer",
			SendReconnect: true,
			Resumable:     true,
		})
		return true
	}

	if sv.server.metrics != nil {
		sv.server.metrics.resumesTotal.WithLabelValues("resumed").Inc()
	}
	return true
}

// activate walks a fresh session to Active and registers it
func (sv *supervisor) activate(session *Session) bool {
	if err := session.Transition(StateAwaitingAuth); err != nil {
		sv.logger.Error("handshake transition failed", "error", err)
		sv.closeWithCode(CloseTryAgainLater, "internal error")
		return false
	}
	if err := session.Transition(StateActive); err != nil {
		sv.logger.Error("handshake transition failed", "error", err)
		sv.closeWithCode(CloseTryAgainLater, "internal error")
		return false
	}

	session.Touch(time.Now())

	if err := sv.server.registry.Insert(session); err != nil {
		sv.logger.Error("registry insert failed", "error", err)
		sv.closeWithCode(CloseTryAgainLater, "internal error")
		return false
	}
	sv.session = session
	sv.server.noteSessionCounts()
	return true
}

// readLoop feeds inbound frames through the codec into the session state
// machine. Exits when the transport fails or a close is requested.
func (sv *supervisor) readLoop() error {
	cfg := sv.server.cfg
	// The heartbeat monitor owns liveness; the transport deadline is a
	// backstop well beyond the grace window.
	idle := 2 * time.Duration(cfg.HeartbeatGrace) * cfg.HeartbeatInterval

	for {
		_ = sv.conn.SetReadDeadline(time.Now().Add(idle))
		_, raw, err := sv.conn.ReadMessage()
		if err != nil {
			// Transport loss: the session stays resumable.
			sv.session.RequestClose(CloseReason{Resumable: true})
			return err
		}

		msg, err := sv.codec.Decode(raw)
		if err != nil {
			sv.session.RequestClose(CloseReason{
				Code: CloseDecodeError,
				Text: "decoding error",
			})
			return err
		}
		sv.server.framesIn.Add(1)

		switch msg.(type) {
		case HeartbeatMessage:
			sv.session.Touch(time.Now())
			// Ack is best effort; a saturated queue is handled by the
			// slow-consumer policy on the dispatch path.
			_ = sv.session.Enqueue(HeartbeatAckMessage{})

		case IdentifyMessage, ResumeMessage:
			// Out-of-order auth while Active is a protocol violation.
			sv.session.RequestClose(CloseReason{
				Code: CloseAlreadyAuthenticated,
				Text: "already authenticated",
			})
			return errors.ErrProtocolViolation

		case UnknownMessage:
			sv.session.RequestClose(CloseReason{
				Code: CloseUnknownOpcode,
				Text: "unknown opcode",
			})
			return errors.ErrProtocolViolation
		}
	}
}

// writeLoop drains the outbound queue to the transport and performs the
// close sequence when one is requested
func (sv *supervisor) writeLoop(ctx context.Context) error {
	// Closing the transport here unblocks the read loop's pending ReadMessage.
	defer sv.conn.Close()

	for {
		select {
		case <-ctx.Done():
			// A cancellation racing a close request must still send the
			// farewell frames.
			select {
			case <-sv.session.CloseRequested():
				sv.performClose()
			default:
			}
			return ctx.Err()

		case msg := <-sv.session.Outbound():
			if err := sv.writeMessage(msg); err != nil {
				sv.session.RequestClose(CloseReason{Resumable: true})
				return err
			}

		case <-sv.session.CloseRequested():
			sv.performClose()
			return nil
		}
	}
}

// performClose drains queued frames within a bounded budget, then sends the
// farewell frames recorded in the close reason
func (sv *supervisor) performClose() {
	reason := sv.session.CloseReason()

	// Closing -> Closed happens in cleanup; mark teardown in progress now.
	_ = sv.session.Transition(StateClosing)

	drainDeadline := time.Now().Add(sv.server.cfg.WriteTimeout)
drain:
	for time.Now().Before(drainDeadline) {
		select {
		case msg := <-sv.session.Outbound():
			if err := sv.writeMessage(msg); err != nil {
				break drain
			}
		default:
			break drain
		}
	}

	if reason.SendReconnect {
		_ = sv.writeMessage(ReconnectMessage{})
	}
	if reason.Code != 0 {
		sv.writeClose(reason.Code, reason.Text)
	}
}

// cleanup runs exactly once per connection, whichever duty detected the end
func (sv *supervisor) cleanup() {
	sv.closeOnce.Do(func() {
		reason := CloseReason{Resumable: true}
		if sv.session != nil {
			select {
			case <-sv.session.CloseRequested():
				reason = sv.session.CloseReason()
			default:
				// Nobody recorded a reason; treat as transport loss.
				sv.session.RequestClose(reason)
			}

			_ = sv.session.Transition(StateClosing)
			_ = sv.session.Transition(StateClosed)

			if reason.Resumable {
				sv.server.registry.Detach(sv.session)
			} else {
				sv.server.registry.Remove(sv.session.ID)
			}
			sv.server.noteSessionCounts()
		}

		_ = sv.conn.Close()

		if sv.server.metrics != nil {
			label := closeReasonLabel(reason)
			sv.server.metrics.disconnectionsTotal.WithLabelValues(label).Inc()
		}
		sv.logger.Info("connection closed", "code", reason.Code, "resumable", reason.Resumable)
	})
}

// writeMessage encodes and writes one frame under the per-connection write
// lock; gorilla/websocket does not allow concurrent writers.
func (sv *supervisor) writeMessage(msg ServerMessage) error {
	data, err := sv.codec.Encode(msg)
	if err != nil {
		return err
	}

	sv.writeMu.Lock()
	defer sv.writeMu.Unlock()

	_ = sv.conn.SetWriteDeadline(time.Now().Add(sv.server.cfg.WriteTimeout))
	if err := sv.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "supervisor", "writeMessage", "write frame")
	}
	sv.server.framesOut.Add(1)
	return nil
}

// closeWithCode sends a close control frame and terminates a pre-Active
// connection
func (sv *supervisor) closeWithCode(code int, text string) {
	sv.writeClose(code, text)
}

func (sv *supervisor) writeClose(code int, text string) {
	sv.writeMu.Lock()
	defer sv.writeMu.Unlock()

	payload := websocket.FormatCloseMessage(code, text)
	_ = sv.conn.SetWriteDeadline(time.Now().Add(sv.server.cfg.WriteTimeout))
	_ = sv.conn.WriteMessage(websocket.CloseMessage, payload)
}

func closeReasonLabel(reason CloseReason) string {
	switch reason.Code {
	case 0:
		return "transport_loss"
	case CloseUnknownOpcode, CloseDecodeError, CloseAlreadyAuthenticated:
		return "protocol_violation"
	case CloseAuthFailed, CloseNotAuthenticated:
		return "auth"
	case CloseSessionTimeout:
		return "heartbeat_timeout"
	case CloseTryAgainLater:
		return "slow_consumer"
	case CloseServiceRestart:
		return "shutdown"
	default:
		return "other"
	}
}
