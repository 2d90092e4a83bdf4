// Package config loads and validates StreamGate configuration from layered
// JSON or YAML files with environment variable overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Slow consumer policies
const (
	SlowConsumerDisconnect = "disconnect" // Evict the session with a Reconnect close
	SlowConsumerDrop       = "drop"       // Drop the frame and keep the session
)

// Config represents the complete application configuration
type Config struct {
	Version  string         `json:"version"`
	Platform PlatformConfig `json:"platform"`
	Gateway  GatewayConfig  `json:"gateway"`
	NATS     NATSConfig     `json:"nats"`
	Ops      OpsConfig      `json:"ops"`
	Logging  LoggingConfig  `json:"logging"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// PlatformConfig defines deployment identity
type PlatformConfig struct {
	Org         string `json:"org"`                   // Organization namespace (e.g., "c360")
	ID          string `json:"id"`                    // Deployment identifier (e.g., "gateway1")
	InstanceID  string `json:"instance_id,omitempty"` // e.g., "west-1", "dev-local"
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// GatewayConfig defines the WebSocket gateway settings
type GatewayConfig struct {
	ListenAddr        string        `json:"listen_addr"`         // Address for the WebSocket listener
	Path              string        `json:"path"`                // URL path clients connect to
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`  // Interval advertised in Hello
	HeartbeatGrace    int           `json:"heartbeat_grace"`     // Missed intervals before timeout
	AuthTimeout       time.Duration `json:"auth_timeout"`        // Time allowed to identify after Hello
	ReplayBufferSize  int           `json:"replay_buffer_size"`  // Per-session replay buffer capacity
	OutboundQueueSize int           `json:"outbound_queue_size"` // Per-session outbound frame queue
	SlowConsumer      string        `json:"slow_consumer"`       // "disconnect" or "drop"
	ResumeWindow      time.Duration `json:"resume_window"`       // How long a dropped session stays resumable
	MaxFrameBytes     int64         `json:"max_frame_bytes"`     // Maximum inbound frame size
	WriteTimeout      time.Duration `json:"write_timeout"`       // Per-frame write deadline
	Tokens            []TokenConfig `json:"tokens,omitempty"`    // Static token table
}

// TokenConfig maps a bearer token to a user identity
type TokenConfig struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// NATSConfig defines NATS connection settings for the event ingest
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	SubjectPrefix string        `json:"subject_prefix,omitempty"` // Overrides the <org>.<id> prefix derived from platform identity
}

// EventSubjectPrefix returns the subject prefix the ingest subscribes under.
// Subjects are <prefix>.events.<type>. An explicit nats.subject_prefix wins;
// otherwise the prefix is derived from the platform identity as <org>.<id>.
func (c *Config) EventSubjectPrefix() string {
	if c.NATS.SubjectPrefix != "" {
		return c.NATS.SubjectPrefix
	}
	return fmt.Sprintf("%s.%s", c.Platform.Org, c.Platform.ID)
}

// OpsConfig defines the operational HTTP surface
type OpsConfig struct {
	Addr        string `json:"addr"`
	MetricsPath string `json:"metrics_path"`
}

// LoggingConfig defines structured logging behavior
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Platform.Org == "" {
		return errors.New("platform.org is required")
	}

	c.Platform.Org = strings.ToLower(c.Platform.Org)

	if !isValidNATSSubjectPart(c.Platform.Org) {
		return fmt.Errorf(
			"platform.org '%s' is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)",
			c.Platform.Org,
		)
	}

	if c.Platform.ID == "" {
		return errors.New("platform.id is required")
	}

	if !isValidNATSSubjectPart(c.Platform.ID) {
		return fmt.Errorf(
			"platform.id '%s' is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)",
			c.Platform.ID,
		)
	}

	if c.Gateway.ListenAddr == "" {
		return errors.New("gateway.listen_addr is required")
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return errors.New("gateway.heartbeat_interval must be positive")
	}
	if c.Gateway.HeartbeatGrace < 1 {
		return errors.New("gateway.heartbeat_grace must be at least 1")
	}
	if c.Gateway.AuthTimeout <= 0 {
		return errors.New("gateway.auth_timeout must be positive")
	}
	if c.Gateway.ReplayBufferSize <= 0 {
		return errors.New("gateway.replay_buffer_size must be positive")
	}
	if c.Gateway.OutboundQueueSize <= 0 {
		return errors.New("gateway.outbound_queue_size must be positive")
	}
	switch c.Gateway.SlowConsumer {
	case SlowConsumerDisconnect, SlowConsumerDrop:
	default:
		return fmt.Errorf("gateway.slow_consumer must be %q or %q, got %q",
			SlowConsumerDisconnect, SlowConsumerDrop, c.Gateway.SlowConsumer)
	}
	if c.Gateway.ResumeWindow < 0 {
		return errors.New("gateway.resume_window cannot be negative")
	}

	seen := make(map[string]struct{}, len(c.Gateway.Tokens))
	for i, tok := range c.Gateway.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("gateway.tokens[%d].token cannot be empty", i)
		}
		if tok.UserID == "" {
			return fmt.Errorf("gateway.tokens[%d].user_id cannot be empty", i)
		}
		if _, dup := seen[tok.Token]; dup {
			return fmt.Errorf("gateway.tokens[%d]: duplicate token", i)
		}
		seen[tok.Token] = struct{}{}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "STREAMGATE",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := l.getDefaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshal config for schema validation: %w", err)
		}
		if err := ValidateSchema(data); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// getDefaults returns default configuration
func (l *Loader) getDefaults() *Config {
	return &Config{
		Version: "1.0.0",
		Gateway: GatewayConfig{
			ListenAddr:        ":7880",
			Path:              "/gateway",
			HeartbeatInterval: 41250 * time.Millisecond,
			HeartbeatGrace:    2,
			AuthTimeout:       10 * time.Second,
			ReplayBufferSize:  256,
			OutboundQueueSize: 128,
			SlowConsumer:      SlowConsumerDisconnect,
			ResumeWindow:      2 * time.Minute,
			MaxFrameBytes:     1 << 20,
			WriteTimeout:      10 * time.Second,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Ops: OpsConfig{
			Addr:        ":9090",
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadRaw loads configuration from a JSON or YAML file as a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	if isYAMLPath(path) {
		if err := yaml.Unmarshal(data, &rawConfig); err != nil {
			return nil, err
		}
	} else {
		// Validate JSON depth to prevent DoS
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &rawConfig); err != nil {
			return nil, err
		}
	}

	// Convert duration strings
	l.parseDurations(rawConfig)

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := l.deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}

	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func (l *Loader) parseDurations(data map[string]any) {
	if gateway, ok := data["gateway"].(map[string]any); ok {
		parseDurationField(gateway, "heartbeat_interval")
		parseDurationField(gateway, "auth_timeout")
		parseDurationField(gateway, "resume_window")
		parseDurationField(gateway, "write_timeout")
	}

	if nats, ok := data["nats"].(map[string]any); ok {
		parseDurationField(nats, "reconnect_wait")
	}
}

// parseDurationField replaces a duration string with its nanosecond count
func parseDurationField(m map[string]any, key string) {
	if s, ok := m[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			m[key] = d.Nanoseconds()
		}
	}
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_PLATFORM_ORG"); val != "" {
		cfg.Platform.Org = val
	}
	if val := os.Getenv(l.envPrefix + "_PLATFORM_ID"); val != "" {
		cfg.Platform.ID = val
	}
	if val := os.Getenv(l.envPrefix + "_LISTEN_ADDR"); val != "" {
		cfg.Gateway.ListenAddr = val
	}
	if val := os.Getenv(l.envPrefix + "_OPS_ADDR"); val != "" {
		cfg.Ops.Addr = val
	}
	if val := os.Getenv(l.envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	// NATS overrides
	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config with secrets redacted
func (c *Config) String() string {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "[REDACTED]"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "[REDACTED]"
	}
	for i := range clone.Gateway.Tokens {
		clone.Gateway.Tokens[i].Token = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// UnmarshalJSON implements custom JSON unmarshaling so duration fields accept
// either a duration string or a nanosecond count.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		Gateway struct {
			ListenAddr        string        `json:"listen_addr"`
			Path              string        `json:"path"`
			HeartbeatInterval any           `json:"heartbeat_interval"`
			HeartbeatGrace    int           `json:"heartbeat_grace"`
			AuthTimeout       any           `json:"auth_timeout"`
			ReplayBufferSize  int           `json:"replay_buffer_size"`
			OutboundQueueSize int           `json:"outbound_queue_size"`
			SlowConsumer      string        `json:"slow_consumer"`
			ResumeWindow      any           `json:"resume_window"`
			MaxFrameBytes     int64         `json:"max_frame_bytes"`
			WriteTimeout      any           `json:"write_timeout"`
			Tokens            []TokenConfig `json:"tokens,omitempty"`
		} `json:"gateway"`
		NATS struct {
			URLs          []string `json:"urls,omitempty"`
			MaxReconnects int      `json:"max_reconnects,omitempty"`
			ReconnectWait any      `json:"reconnect_wait,omitempty"`
			Username      string   `json:"username,omitempty"`
			Password      string   `json:"password,omitempty"`
			Token         string   `json:"token,omitempty"`
			SubjectPrefix string   `json:"subject_prefix,omitempty"`
		} `json:"nats"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.Gateway.ListenAddr = aux.Gateway.ListenAddr
	c.Gateway.Path = aux.Gateway.Path
	c.Gateway.HeartbeatGrace = aux.Gateway.HeartbeatGrace
	c.Gateway.ReplayBufferSize = aux.Gateway.ReplayBufferSize
	c.Gateway.OutboundQueueSize = aux.Gateway.OutboundQueueSize
	c.Gateway.SlowConsumer = aux.Gateway.SlowConsumer
	c.Gateway.MaxFrameBytes = aux.Gateway.MaxFrameBytes
	c.Gateway.Tokens = aux.Gateway.Tokens

	var err error
	if c.Gateway.HeartbeatInterval, err = coerceDuration(aux.Gateway.HeartbeatInterval); err != nil {
		return fmt.Errorf("gateway.heartbeat_interval: %w", err)
	}
	if c.Gateway.AuthTimeout, err = coerceDuration(aux.Gateway.AuthTimeout); err != nil {
		return fmt.Errorf("gateway.auth_timeout: %w", err)
	}
	if c.Gateway.ResumeWindow, err = coerceDuration(aux.Gateway.ResumeWindow); err != nil {
		return fmt.Errorf("gateway.resume_window: %w", err)
	}
	if c.Gateway.WriteTimeout, err = coerceDuration(aux.Gateway.WriteTimeout); err != nil {
		return fmt.Errorf("gateway.write_timeout: %w", err)
	}

	c.NATS.URLs = aux.NATS.URLs
	c.NATS.MaxReconnects = aux.NATS.MaxReconnects
	c.NATS.Username = aux.NATS.Username
	c.NATS.Password = aux.NATS.Password
	c.NATS.Token = aux.NATS.Token
	c.NATS.SubjectPrefix = aux.NATS.SubjectPrefix
	if c.NATS.ReconnectWait, err = coerceDuration(aux.NATS.ReconnectWait); err != nil {
		return fmt.Errorf("nats.reconnect_wait: %w", err)
	}

	return nil
}

// coerceDuration accepts a duration string, a nanosecond count, or nil
func coerceDuration(v any) (time.Duration, error) {
	switch value := v.(type) {
	case nil:
		return 0, nil
	case string:
		return time.ParseDuration(value)
	case float64:
		return time.Duration(value), nil
	default:
		return 0, fmt.Errorf("unsupported duration type %T", v)
	}
}

// isYAMLPath reports whether a config path refers to a YAML file
func isYAMLPath(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
