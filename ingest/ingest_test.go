package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamgate/config"
	"github.com/c360/streamgate/event"
	"github.com/c360/streamgate/gateway"
	"github.com/c360/streamgate/natsclient"
)

func newTestIngest(t *testing.T) (*Ingest, *gateway.Registry) {
	t.Helper()

	registry := gateway.NewRegistry(time.Minute)
	bus := gateway.NewBus(gateway.BusConfig{
		Registry:     registry,
		SlowConsumer: config.SlowConsumerDisconnect,
	})
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })

	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ing, err := New(Config{Client: client, Bus: bus})
	require.NoError(t, err)
	return ing, registry
}

func activeSession(t *testing.T, registry *gateway.Registry, channels []string) *gateway.Session {
	t.Helper()

	s, err := gateway.NewSession(gateway.SessionConfig{
		ID:          "sess-1",
		UserID:      "alice",
		ResumeToken: "rt-1",
		Channels:    channels,
		ReplaySize:  16,
		QueueSize:   16,
	})
	require.NoError(t, err)
	require.NoError(t, s.Transition(gateway.StateAwaitingAuth))
	require.NoError(t, s.Transition(gateway.StateActive))
	require.NoError(t, registry.Insert(s))
	return s
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHandleMessageDispatchesEvent(t *testing.T) {
	ing, registry := newTestIngest(t)
	s := activeSession(t, registry, []string{"general"})

	evt := event.New(event.TypeMessageCreate, event.ChannelScope("general"),
		json.RawMessage(`{"content":"hi"}`))
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	ing.handleMessage(context.Background(), data)

	select {
	case msg := <-s.Outbound():
		dispatch, ok := msg.(gateway.DispatchMessage)
		require.True(t, ok)
		assert.Equal(t, uint64(1), dispatch.Seq)
		assert.Equal(t, event.TypeMessageCreate, dispatch.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}

	flow := ing.DataFlow()
	assert.Zero(t, flow.ErrorRate)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	ing, registry := newTestIngest(t)
	s := activeSession(t, registry, []string{"general"})

	ing.handleMessage(context.Background(), []byte(`{not json`))
	ing.handleMessage(context.Background(), []byte(`{"id":"x"}`)) // no type or scope

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, s.QueueDepth())
	assert.Equal(t, 2, ing.Health().ErrorCount)
}

func TestIngestMeta(t *testing.T) {
	ing, _ := newTestIngest(t)

	meta := ing.Meta()
	assert.Equal(t, "ingest", meta.Name)
	assert.Equal(t, "input", meta.Type)
}
