package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamgate/config"
	"github.com/c360/streamgate/event"
	"github.com/c360/streamgate/metric"
)

func startTestBus(t *testing.T, r *Registry, policy string) *Bus {
	t.Helper()

	b := NewBus(BusConfig{
		Registry:     r,
		SlowConsumer: policy,
		QueueSize:    64,
	})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(2 * time.Second) })
	return b
}

func TestBusFanOut(t *testing.T) {
	r := NewRegistry(time.Minute)

	alice := newTestSession(t, SessionConfig{ID: "alice-1", UserID: "alice", Channels: []string{"general"}})
	bob := newTestSession(t, SessionConfig{ID: "bob-1", UserID: "bob", Channels: []string{"general"}})
	carol := newTestSession(t, SessionConfig{ID: "carol-1", UserID: "carol", Channels: []string{"random"}})
	for _, s := range []*Session{alice, bob, carol} {
		activateSession(t, s)
		require.NoError(t, r.Insert(s))
	}

	b := startTestBus(t, r, config.SlowConsumerDisconnect)

	evt := event.New(event.TypeMessageCreate, event.ChannelScope("general"),
		json.RawMessage(`{"content":"hi"}`))
	require.NoError(t, b.Publish(evt))

	// Both subscribers stamp their own sequence number 1.
	for _, s := range []*Session{alice, bob} {
		select {
		case msg := <-s.Outbound():
			dispatch, ok := msg.(DispatchMessage)
			require.True(t, ok)
			assert.Equal(t, uint64(1), dispatch.Seq)
			assert.Equal(t, event.TypeMessageCreate, dispatch.EventType)
		case <-time.After(2 * time.Second):
			t.Fatalf("session %s never received the dispatch", s.ID)
		}
	}

	// The unsubscribed session sees nothing and its sequence stays put.
	assert.Equal(t, 0, carol.QueueDepth())
	assert.Equal(t, uint64(0), carol.Seq())
}

func TestBusPreservesPublishOrder(t *testing.T) {
	r := NewRegistry(time.Minute)

	s := newTestSession(t, SessionConfig{ID: "sess-1", UserID: "alice", Channels: []string{"general"}, QueueSize: 32})
	activateSession(t, s)
	require.NoError(t, r.Insert(s))

	b := startTestBus(t, r, config.SlowConsumerDisconnect)

	for i := 0; i < 10; i++ {
		payload, err := json.Marshal(map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"), payload)))
	}

	for want := uint64(1); want <= 10; want++ {
		select {
		case msg := <-s.Outbound():
			dispatch := msg.(DispatchMessage)
			assert.Equal(t, want, dispatch.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing dispatch %d", want)
		}
	}
}

func TestBusSlowConsumerDisconnect(t *testing.T) {
	r := NewRegistry(time.Minute)

	s := newTestSession(t, SessionConfig{ID: "sess-1", UserID: "alice", Channels: []string{"general"}, QueueSize: 1})
	activateSession(t, s)
	require.NoError(t, r.Insert(s))

	b := startTestBus(t, r, config.SlowConsumerDisconnect)

	payload := json.RawMessage(`{}`)
	require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"), payload)))
	require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"), payload)))

	select {
	case <-s.CloseRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was never evicted")
	}

	reason := s.CloseReason()
	assert.Equal(t, CloseTryAgainLater, reason.Code)
	assert.True(t, reason.SendReconnect)
	assert.True(t, reason.Resumable)

	// The overflowing event is still sequenced for a later resume.
	assert.Equal(t, uint64(2), s.Seq())
}

func TestBusSlowConsumerDrop(t *testing.T) {
	r := NewRegistry(time.Minute)

	s := newTestSession(t, SessionConfig{ID: "sess-1", UserID: "alice", Channels: []string{"general"}, QueueSize: 1})
	activateSession(t, s)
	require.NoError(t, r.Insert(s))

	b := startTestBus(t, r, config.SlowConsumerDrop)

	payload := json.RawMessage(`{}`)
	require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"), payload)))
	require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"), payload)))

	require.Eventually(t, func() bool {
		return s.Seq() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Under the drop policy the session stays open.
	select {
	case <-s.CloseRequested():
		t.Fatal("drop policy must not evict the session")
	default:
	}
}

func TestBusBuffersForDetachedSessions(t *testing.T) {
	r := NewRegistry(time.Minute)

	s := newTestSession(t, SessionConfig{ID: "sess-1", UserID: "alice", ResumeToken: "rt-1", Channels: []string{"general"}})
	activateSession(t, s)
	require.NoError(t, r.Insert(s))
	r.Detach(s)

	b := startTestBus(t, r, config.SlowConsumerDisconnect)

	require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"),
		json.RawMessage(`{"content":"while away"}`))))

	require.Eventually(t, func() bool {
		return s.Seq() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Nothing hit the wire; the event waits in the replay buffer for resume.
	assert.Equal(t, 0, s.QueueDepth())

	_, entries, err := r.Resume("sess-1", "rt-1", 0, 8)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].Seq)
}

func TestBusDeliversAcrossResumeHandoff(t *testing.T) {
	r := NewRegistry(time.Minute)

	s := newTestSession(t, SessionConfig{ID: "sess-1", UserID: "alice", ResumeToken: "rt-1", Channels: []string{"general"}})
	activateSession(t, s)
	require.NoError(t, r.Insert(s))
	r.Detach(s)

	b := startTestBus(t, r, config.SlowConsumerDisconnect)

	require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"),
		json.RawMessage(`{"n":1}`))))
	require.Eventually(t, func() bool {
		return s.Seq() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resumed, entries, err := r.Resume("sess-1", "rt-1", 0, 8)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// An event published right after the handoff must reach the fresh queue
	// with the next sequence number, never vanish between the stores.
	require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"),
		json.RawMessage(`{"n":2}`))))

	select {
	case msg := <-resumed.Outbound():
		dispatch := msg.(DispatchMessage)
		assert.Equal(t, uint64(2), dispatch.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch after resume handoff was lost")
	}
}

func TestBusRegistersPipelineMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	r := NewRegistry(time.Minute)

	_ = NewBus(BusConfig{
		Registry:        r,
		MetricsRegistry: reg,
	})

	// The publish pipeline registers its queue metrics with the shared
	// registry under the bus prefix.
	assert.True(t, reg.Unregister("worker_pool", "streamgate_bus_queue_depth"))
	assert.True(t, reg.Unregister("worker_pool", "streamgate_bus_utilization"))
}

func TestBusMembershipEventsAdjustScopes(t *testing.T) {
	r := NewRegistry(time.Minute)

	s := newTestSession(t, SessionConfig{ID: "sess-1", UserID: "alice"})
	activateSession(t, s)
	require.NoError(t, r.Insert(s))

	b := startTestBus(t, r, config.SlowConsumerDisconnect)

	join, err := json.Marshal(map[string]string{
		"user_id": "alice", "guild_id": "g1", "channel_id": "general",
	})
	require.NoError(t, err)

	// The member add itself is delivered to the joining session.
	require.NoError(t, b.Publish(event.New(event.TypeGuildMemberAdd, event.GuildScope("g1"), join)))

	select {
	case msg := <-s.Outbound():
		dispatch := msg.(DispatchMessage)
		assert.Equal(t, event.TypeGuildMemberAdd, dispatch.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("member add was not delivered to the joining session")
	}

	// Subsequent channel traffic reaches the new member.
	require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"),
		json.RawMessage(`{}`))))

	select {
	case msg := <-s.Outbound():
		dispatch := msg.(DispatchMessage)
		assert.Equal(t, event.TypeMessageCreate, dispatch.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("message after join was not delivered")
	}

	// Leaving reverses the grant. Scope changes apply before resolution, so
	// the leaving member does not see the removal event itself.
	leave, err := json.Marshal(map[string]string{
		"user_id": "alice", "guild_id": "g1", "channel_id": "general",
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(event.New(event.TypeGuildMemberRem, event.GuildScope("g1"), leave)))
	require.NoError(t, b.Publish(event.New(event.TypeMessageCreate, event.ChannelScope("general"),
		json.RawMessage(`{}`))))

	// Give fan-out a beat, then confirm nothing arrived after the leave.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, s.QueueDepth())
}
