package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatMonitorExpiresStaleSessions(t *testing.T) {
	r := NewRegistry(time.Minute)
	m := NewHeartbeatMonitor(r, 10*time.Second, 2, nil, nil)

	stale := newTestSession(t, SessionConfig{ID: "stale-1", UserID: "alice"})
	activateSession(t, stale)
	require.NoError(t, r.Insert(stale))

	fresh := newTestSession(t, SessionConfig{ID: "fresh-1", UserID: "bob"})
	activateSession(t, fresh)
	require.NoError(t, r.Insert(fresh))

	now := time.Now()
	stale.Touch(now.Add(-25 * time.Second)) // past the 2x10s grace window
	fresh.Touch(now.Add(-15 * time.Second)) // one missed beat, still inside

	m.checkOnce(now)

	select {
	case <-stale.CloseRequested():
	default:
		t.Fatal("stale session was not closed")
	}
	reason := stale.CloseReason()
	assert.Equal(t, CloseSessionTimeout, reason.Code)
	assert.True(t, reason.SendReconnect)
	assert.True(t, reason.Resumable)

	select {
	case <-fresh.CloseRequested():
		t.Fatal("session inside the grace window was closed")
	default:
	}
}

func TestHeartbeatMonitorSkipsNonActiveSessions(t *testing.T) {
	r := NewRegistry(time.Minute)
	m := NewHeartbeatMonitor(r, 10*time.Second, 2, nil, nil)

	pending := newTestSession(t, SessionConfig{ID: "pending-1", UserID: "alice"})
	require.NoError(t, pending.Transition(StateAwaitingAuth))
	require.NoError(t, r.Insert(pending))
	pending.Touch(time.Now().Add(-time.Hour))

	m.checkOnce(time.Now())

	select {
	case <-pending.CloseRequested():
		t.Fatal("non-active session must not be heartbeat-expired")
	default:
	}
}

func TestHeartbeatTouchResetsWindow(t *testing.T) {
	r := NewRegistry(time.Minute)
	m := NewHeartbeatMonitor(r, 10*time.Second, 2, nil, nil)

	s := newTestSession(t, SessionConfig{ID: "sess-1", UserID: "alice"})
	activateSession(t, s)
	require.NoError(t, r.Insert(s))

	now := time.Now()
	s.Touch(now.Add(-25 * time.Second))
	s.Touch(now) // beat arrives just in time

	m.checkOnce(now)

	select {
	case <-s.CloseRequested():
		t.Fatal("session with a fresh heartbeat was closed")
	default:
	}
}

func TestHeartbeatMonitorStartStop(t *testing.T) {
	r := NewRegistry(time.Minute)
	m := NewHeartbeatMonitor(r, 10*time.Second, 2, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx)) // idempotent
	require.NoError(t, m.Stop(time.Second))
	require.NoError(t, m.Stop(time.Second)) // idempotent
}
