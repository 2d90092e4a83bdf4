package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360/streamgate/config"
	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/event"
	"github.com/c360/streamgate/metric"
	"github.com/c360/streamgate/pkg/worker"
)

// Bus receives domain events from REST collaborators after their mutations
// commit, sequences them per session, and fans them out. Publishes run on a
// single worker so every session observes events in publish order; per-event
// fan-out never blocks on any one session.
type Bus struct {
	registry *Registry
	resolver *Resolver
	pool     *worker.Pool[event.DomainEvent]
	policy   string
	logger   *slog.Logger
	metrics  *Metrics
	core     *metric.Metrics
}

// BusConfig carries the bus construction knobs
type BusConfig struct {
	Registry        *Registry
	SlowConsumer    string // config.SlowConsumerDisconnect or config.SlowConsumerDrop
	QueueSize       int    // pending publish queue
	MetricsRegistry *metric.MetricsRegistry
	Metrics         *Metrics
	Logger          *slog.Logger
}

// NewBus creates the event bus
func NewBus(cfg BusConfig) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	policy := cfg.SlowConsumer
	if policy == "" {
		policy = config.SlowConsumerDisconnect
	}

	b := &Bus{
		registry: cfg.Registry,
		resolver: NewResolver(cfg.Registry),
		policy:   policy,
		logger:   logger.With("component", "bus"),
		metrics:  cfg.Metrics,
	}
	if cfg.MetricsRegistry != nil {
		b.core = cfg.MetricsRegistry.CoreMetrics()
	}

	// One worker serializes fan-out so per-session sequence numbers reflect
	// publish order.
	b.pool = worker.NewPool(1, queueSize, b.fanOut,
		worker.WithMetricsRegistry[event.DomainEvent](cfg.MetricsRegistry, "streamgate_bus"))
	return b
}

// Start launches the publish worker
func (b *Bus) Start(ctx context.Context) error {
	if err := b.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Bus", "Start", "start publish worker")
	}
	return nil
}

// Stop drains and stops the publish worker
func (b *Bus) Stop(timeout time.Duration) error {
	if err := b.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "Bus", "Stop", "stop publish worker")
	}
	return nil
}

// Publish enqueues a committed domain event for fan-out. Non-blocking; a
// saturated publish queue is surfaced to the caller instead of stalling the
// REST path.
func (b *Bus) Publish(evt event.DomainEvent) error {
	if err := b.pool.Submit(evt); err != nil {
		if b.metrics != nil {
			b.metrics.publishDropped.Inc()
		}
		return errors.WrapTransient(err, "Bus", "Publish", "enqueue domain event")
	}
	if b.core != nil {
		b.core.RecordEventPublished("bus", string(evt.Type))
	}
	return nil
}

// fanOut delivers one event to every matching session
func (b *Bus) fanOut(_ context.Context, evt event.DomainEvent) error {
	start := time.Now()

	b.applyMembership(evt)

	// Live and detached recipients come from one registry snapshot, so a
	// session resuming mid-publish receives the event exactly once.
	recipients, detached := b.resolver.ResolveAll(evt)

	delivered := 0
	for _, s := range recipients {
		_, err := s.DispatchEvent(evt.Type, evt.Payload)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, errors.ErrQueueFull):
			b.handleSlowConsumer(s, evt)
		default:
			// Session raced into a non-Active state; it will resume or
			// re-identify for anything missed.
			b.logger.Debug("skipping dispatch to inactive session",
				"session_id", s.ID, "event_type", evt.Type)
		}
	}

	// Detached sessions buffer the event for a future resume. One that was
	// reattached since the snapshot enqueues to its fresh queue instead.
	buffered := 0
	for _, s := range detached {
		_, err := s.DispatchEvent(evt.Type, evt.Payload)
		switch {
		case err == nil:
			buffered++
		case errors.Is(err, errors.ErrQueueFull):
			b.handleSlowConsumer(s, evt)
		}
	}

	if b.metrics != nil {
		b.metrics.dispatchTotal.WithLabelValues(string(evt.Type)).Add(float64(delivered))
		b.metrics.dispatchDuration.Observe(time.Since(start).Seconds())
	}

	b.logger.Debug("event fanned out",
		"event_type", evt.Type,
		"scope_kind", evt.Scope.Kind,
		"delivered", delivered,
		"buffered", buffered)
	return nil
}

// handleSlowConsumer applies the configured backpressure policy. Under the
// disconnect policy the session is marked for forced Closing; the event
// stays in its replay buffer so a resume can recover it. Under the drop
// policy the frame is simply lost to the wire but retained for resume.
func (b *Bus) handleSlowConsumer(s *Session, evt event.DomainEvent) {
	if b.metrics != nil {
		b.metrics.slowConsumerTotal.Inc()
	}

	if b.policy == config.SlowConsumerDrop {
		b.logger.Warn("dropping frame for slow consumer",
			"session_id", s.ID, "event_type", evt.Type)
		return
	}

	b.logger.Warn("evicting slow consumer",
		"session_id", s.ID, "queue_depth", s.QueueDepth())
	s.RequestClose(CloseReason{
		Code:          CloseTryAgainLater,
		Text:          "slow consumer",
		SendReconnect: true,
		Resumable:     true,
	})
}

// membershipPayload is the subset of member event payloads the gateway
// inspects to keep session scope sets current.
type membershipPayload struct {
	UserID    string `json:"user_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// applyMembership mutates session scope sets for membership events before
// resolution, so a member add is visible to the very event announcing it.
func (b *Bus) applyMembership(evt event.DomainEvent) {
	switch evt.Type {
	case event.TypeGuildMemberAdd, event.TypeGuildMemberRem:
	default:
		return
	}

	var p membershipPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil || p.UserID == "" {
		return
	}

	for _, s := range b.registry.SessionsForUser(p.UserID) {
		switch evt.Type {
		case event.TypeGuildMemberAdd:
			if p.GuildID != "" {
				s.AddGuild(p.GuildID)
			}
			if p.ChannelID != "" {
				s.AddChannel(p.ChannelID)
			}
		case event.TypeGuildMemberRem:
			if p.GuildID != "" {
				s.RemoveGuild(p.GuildID)
			}
			if p.ChannelID != "" {
				s.RemoveChannel(p.ChannelID)
			}
		}
	}
}
