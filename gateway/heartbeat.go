package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HeartbeatMonitor enforces liveness across all Active sessions from one
// ticker. A session that misses grace consecutive intervals is sent
// Reconnect and forced into Closing. The scan only reads registry snapshots
// and enqueues frames, so one stale session never delays dispatch to others.
type HeartbeatMonitor struct {
	registry *Registry
	interval time.Duration // T, as advertised in Hello
	grace    int           // tolerance window is grace * T
	tick     time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	lifecycleMu sync.Mutex
	shutdown    chan struct{}
	wg          *sync.WaitGroup
	running     bool
}

// NewHeartbeatMonitor creates a heartbeat monitor. The scan cadence is a
// quarter of the heartbeat interval, floored at one second.
func NewHeartbeatMonitor(registry *Registry, interval time.Duration, grace int, metrics *Metrics, logger *slog.Logger) *HeartbeatMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if grace < 1 {
		grace = 1
	}
	tick := interval / 4
	if tick < time.Second {
		tick = time.Second
	}

	return &HeartbeatMonitor{
		registry: registry,
		interval: interval,
		grace:    grace,
		tick:     tick,
		logger:   logger.With("component", "heartbeat"),
		metrics:  metrics,
	}
}

// Start launches the liveness scan loop
func (m *HeartbeatMonitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.running {
		return nil
	}

	m.shutdown = make(chan struct{})
	m.wg = &sync.WaitGroup{}
	m.wg.Add(1)
	go m.run(ctx)
	m.running = true
	return nil
}

// Stop terminates the scan loop
func (m *HeartbeatMonitor) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.running {
		return nil
	}
	close(m.shutdown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	}
	m.running = false
	return nil
}

func (m *HeartbeatMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case now := <-ticker.C:
			m.checkOnce(now)
		}
	}
}

// checkOnce scans a snapshot of live sessions and expires the stale ones
func (m *HeartbeatMonitor) checkOnce(now time.Time) {
	deadline := time.Duration(m.grace) * m.interval

	for _, s := range m.registry.Sessions() {
		if s.State() != StateActive {
			continue
		}
		elapsed := now.Sub(s.LastHeartbeat())
		if elapsed <= deadline {
			continue
		}

		m.logger.Info("heartbeat timeout",
			"session_id", s.ID,
			"elapsed", elapsed,
			"deadline", deadline)
		if m.metrics != nil {
			m.metrics.heartbeatTimeouts.Inc()
		}

		s.RequestClose(CloseReason{
			Code:          CloseSessionTimeout,
			Text:          "heartbeat timeout",
			SendReconnect: true,
			Resumable:     true,
		})
	}
}
