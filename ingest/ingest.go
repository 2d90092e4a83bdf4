// Package ingest bridges platform services to the gateway: it subscribes to
// domain event subjects on NATS and feeds each event into the dispatch bus.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streamgate/component"
	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/event"
	"github.com/c360/streamgate/gateway"
	"github.com/c360/streamgate/metric"
	"github.com/c360/streamgate/natsclient"
)

// Ingest consumes domain events from NATS and publishes them to the bus.
// Subjects follow <prefix>.events.<type>; the payload is a JSON DomainEvent.
type Ingest struct {
	client  *natsclient.Client
	bus     *gateway.Bus
	subject string
	logger  *slog.Logger
	core    *metric.Metrics

	lifecycleMu sync.Mutex
	running     bool
	runCtx      context.Context
	cancel      context.CancelFunc

	startTime    time.Time
	received     atomic.Int64
	published    atomic.Int64
	errorCount   atomic.Int64
	lastError    atomic.Value // string
	lastActivity atomic.Value // time.Time
}

// Config carries the ingest construction knobs
type Config struct {
	Client          *natsclient.Client
	Bus             *gateway.Bus
	SubjectPrefix   string // defaults to "streamgate"
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New creates an ingest component
func New(cfg Config) (*Ingest, error) {
	if cfg.Client == nil || cfg.Bus == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: client and bus are required", errors.ErrInvalidConfig),
			"Ingest", "New", "validate dependencies")
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "streamgate"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	i := &Ingest{
		client:  cfg.Client,
		bus:     cfg.Bus,
		subject: prefix + ".events.>",
		logger:  logger.With("component", "ingest"),
	}
	if cfg.MetricsRegistry != nil {
		i.core = cfg.MetricsRegistry.CoreMetrics()
	}
	i.lastActivity.Store(time.Time{})
	return i, nil
}

// Meta implements component.Discoverable
func (i *Ingest) Meta() component.Metadata {
	return component.Metadata{
		Name:        "ingest",
		Type:        "input",
		Description: "NATS domain event ingest feeding the dispatch bus",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (i *Ingest) Health() component.HealthStatus {
	i.lifecycleMu.Lock()
	running := i.running
	start := i.startTime
	i.lifecycleMu.Unlock()

	status := component.HealthStatus{
		Healthy:    running && i.client.IsHealthy(),
		LastCheck:  time.Now(),
		ErrorCount: int(i.errorCount.Load()),
	}
	if lastErr, ok := i.lastError.Load().(string); ok {
		status.LastError = lastErr
	}
	if running {
		status.Uptime = time.Since(start)
	}
	return status
}

// DataFlow implements component.Discoverable
func (i *Ingest) DataFlow() component.FlowMetrics {
	received := i.received.Load()
	flow := component.FlowMetrics{}

	if errCount := i.errorCount.Load(); received > 0 {
		flow.ErrorRate = float64(errCount) / float64(received)
	}
	if last, ok := i.lastActivity.Load().(time.Time); ok {
		flow.LastActivity = last
	}
	return flow
}

// Initialize implements component.LifecycleComponent. Connection setup
// happens in Start; there is nothing to create here.
func (i *Ingest) Initialize() error {
	return nil
}

// Start subscribes to the event subjects. The NATS client must already be
// connected.
func (i *Ingest) Start(ctx context.Context) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if i.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Ingest", "Start", "check state")
	}

	i.runCtx, i.cancel = context.WithCancel(ctx)

	if err := i.client.Subscribe(i.runCtx, i.subject, i.handleMessage); err != nil {
		i.cancel()
		return errors.Wrap(err, "Ingest", "Start", "subscribe to event subjects")
	}

	i.startTime = time.Now()
	i.running = true
	i.logger.Info("ingest subscribed", "subject", i.subject)
	return nil
}

// Stop cancels the subscription context. The NATS client owns unsubscription
// and drain on its own Close.
func (i *Ingest) Stop(time.Duration) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if !i.running {
		return nil
	}
	i.cancel()
	i.running = false
	i.logger.Info("ingest stopped")
	return nil
}

// handleMessage parses one NATS message into a DomainEvent and hands it to
// the bus. Malformed events are counted and dropped; they never stall the
// subscription.
func (i *Ingest) handleMessage(_ context.Context, data []byte) {
	i.received.Add(1)
	i.lastActivity.Store(time.Now())

	var evt event.DomainEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		i.recordError("decode", err)
		i.logger.Warn("dropping malformed event", "error", err)
		return
	}
	if evt.Type == "" || evt.Scope.Kind == "" {
		i.recordError("validate", fmt.Errorf("event missing type or scope"))
		i.logger.Warn("dropping event without type or scope", "event_id", evt.ID)
		return
	}

	if err := i.bus.Publish(evt); err != nil {
		i.recordError("publish", err)
		i.logger.Warn("bus rejected event", "event_id", evt.ID, "error", err)
		return
	}
	i.published.Add(1)
}

func (i *Ingest) recordError(kind string, err error) {
	i.errorCount.Add(1)
	i.lastError.Store(err.Error())
	if i.core != nil {
		i.core.RecordError("ingest", kind)
	}
}
