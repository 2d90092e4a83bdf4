package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/streamgate/component"
	"github.com/c360/streamgate/config"
	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/metric"
)

// Server accepts WebSocket connections and hands each one to a supervisor.
// It implements component.LifecycleComponent and owns the heartbeat monitor
// and the registry sweeper for its lifetime.
type Server struct {
	cfg       config.GatewayConfig
	registry  *Registry
	validator TokenValidator
	heartbeat *HeartbeatMonitor
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	metrics   *Metrics

	httpServer *http.Server
	listener   net.Listener

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          *sync.WaitGroup
	runCtx      context.Context

	startTime  time.Time
	errorCount atomic.Int64
	lastError  atomic.Value // string
	framesIn   atomic.Int64
	framesOut  atomic.Int64
}

// ServerConfig carries the dependencies for a gateway server
type ServerConfig struct {
	Gateway         config.GatewayConfig
	Registry        *Registry
	Validator       TokenValidator // defaults to the static token table
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// NewServer creates a gateway server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: registry is required", errors.ErrInvalidConfig),
			"Server", "New", "validate dependencies")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	validator := cfg.Validator
	if validator == nil {
		validator = NewStaticTokenValidator(cfg.Gateway.Tokens)
	}

	metrics := newMetrics(cfg.MetricsRegistry)

	return &Server{
		cfg:       cfg.Gateway,
		registry:  cfg.Registry,
		validator: validator,
		logger:    logger.With("component", "gateway"),
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Meta implements component.Discoverable
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "gateway",
		Type:        "server",
		Description: "WebSocket gateway for sequenced event dispatch",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (s *Server) Health() component.HealthStatus {
	s.lifecycleMu.Lock()
	running := s.running
	start := s.startTime
	s.lifecycleMu.Unlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
	}
	if lastErr, ok := s.lastError.Load().(string); ok {
		status.LastError = lastErr
	}
	if running {
		status.Uptime = time.Since(start)
	}
	return status
}

// DataFlow implements component.Discoverable
func (s *Server) DataFlow() component.FlowMetrics {
	s.lifecycleMu.Lock()
	running := s.running
	start := s.startTime
	s.lifecycleMu.Unlock()

	var perSecond float64
	frames := s.framesIn.Load() + s.framesOut.Load()
	if running {
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			perSecond = float64(frames) / elapsed
		}
	}

	var errorRate float64
	if frames > 0 {
		errorRate = float64(s.errorCount.Load()) / float64(frames)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    0,
		ErrorRate:         errorRate,
		LastActivity:      time.Now(),
	}
}

// Initialize prepares the HTTP server and heartbeat monitor. No goroutines
// start here.
func (s *Server) Initialize() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleGateway)

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.heartbeat = NewHeartbeatMonitor(
		s.registry, s.cfg.HeartbeatInterval, s.cfg.HeartbeatGrace, s.metrics, s.logger)

	return nil
}

// Start begins accepting connections
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "check state")
	}
	if s.httpServer == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Server", "Start", "check initialization")
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "bind listen address")
	}
	s.listener = listener

	s.shutdown = make(chan struct{})
	s.wg = &sync.WaitGroup{}
	s.runCtx = ctx
	s.startTime = time.Now()

	if err := s.heartbeat.Start(ctx); err != nil {
		_ = listener.Close()
		return errors.Wrap(err, "Server", "Start", "start heartbeat monitor")
	}
	s.registry.StartSweeper(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gateway listening", "addr", listener.Addr().String(), "path", s.cfg.Path)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.recordError(err)
			s.logger.Error("gateway listener failed", "error", err)
		}
	}()

	s.running = true
	return nil
}

// Stop drains sessions and shuts the listener down. Active sessions are told
// to reconnect and remain resumable within the resume window.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	close(s.shutdown)

	for _, session := range s.registry.Sessions() {
		session.RequestClose(CloseReason{
			Code:          CloseServiceRestart,
			Text:          "service restarting",
			SendReconnect: true,
			Resumable:     true,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("listener shutdown incomplete", "error", err)
	}

	_ = s.heartbeat.Stop(timeout)
	s.registry.StopSweeper()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("timed out waiting for connection supervisors")
	}

	s.running = false
	s.logger.Info("gateway stopped")
	return nil
}

// handleGateway upgrades an HTTP request and starts a connection supervisor
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	s.lifecycleMu.Lock()
	running := s.running
	ctx := s.runCtx
	wg := s.wg
	s.lifecycleMu.Unlock()

	if !running {
		http.Error(w, "gateway not accepting connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.recordError(err)
		s.logger.Debug("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	if s.metrics != nil {
		s.metrics.connectionsTotal.Inc()
	}
	s.logger.Debug("connection accepted", "remote", conn.RemoteAddr().String())

	wg.Add(1)
	go func() {
		defer wg.Done()
		newSupervisor(s, conn).run(ctx)
	}()
}

// Addr returns the bound listen address, useful when the configured address
// requests an ephemeral port.
func (s *Server) Addr() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// noteSessionCounts refreshes the session gauges from the registry
func (s *Server) noteSessionCounts() {
	if s.metrics == nil {
		return
	}
	s.metrics.sessionsActive.Set(float64(s.registry.Len()))
	s.metrics.sessionsDetached.Set(float64(s.registry.DetachedLen()))
}

func (s *Server) recordError(err error) {
	s.errorCount.Add(1)
	s.lastError.Store(err.Error())
}
