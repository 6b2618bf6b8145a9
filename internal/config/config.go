// Package config loads the presence daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/presence/internal/backoff"
	"github.com/haasonsaas/presence/internal/heartbeat"
	"github.com/haasonsaas/presence/internal/ratelimit"
	"github.com/haasonsaas/presence/internal/store"
	"github.com/haasonsaas/presence/internal/typing"
)

// Config is the main configuration structure for the presence daemon.
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Channel   ChannelConfig   `yaml:"channel"`
	Typing    TypingConfig    `yaml:"typing"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig locates the presence backend.
type ServerConfig struct {
	BaseURL        string        `yaml:"base_url"`
	WebSocketURL   string        `yaml:"ws_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AuthConfig supplies the bearer credential. Exactly one of Token or
// TokenFile is set.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	UserID    string `yaml:"user_id"`
	DeviceID  string `yaml:"device_id"`
	Watch     *bool  `yaml:"watch"`
}

// WatchEnabled reports whether the token file should be watched for rotation.
func (a AuthConfig) WatchEnabled() bool {
	return a.TokenFile != "" && (a.Watch == nil || *a.Watch)
}

type HeartbeatConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MinInterval  time.Duration `yaml:"min_interval"`
	FinalTimeout time.Duration `yaml:"final_timeout"`
}

type ChannelConfig struct {
	Backoff          backoff.Policy `yaml:"backoff"`
	HandshakeTimeout time.Duration  `yaml:"handshake_timeout"`
	InboxSize        int            `yaml:"inbox_size"`
}

type TypingConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	RemoteTTL   time.Duration `yaml:"remote_ttl"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
}

// Load reads, merges and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// backend or credential set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Second
	}
	if cfg.Server.WebSocketURL == "" && cfg.Server.BaseURL != "" {
		cfg.Server.WebSocketURL = deriveWebSocketURL(cfg.Server.BaseURL)
	}

	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = heartbeat.DefaultInterval
	}
	if cfg.Heartbeat.MinInterval == 0 {
		cfg.Heartbeat.MinInterval = ratelimit.DefaultMinInterval
	}
	if cfg.Heartbeat.FinalTimeout == 0 {
		cfg.Heartbeat.FinalTimeout = heartbeat.DefaultFinalTimeout
	}

	def := backoff.DefaultPolicy()
	if cfg.Channel.Backoff.Initial == 0 {
		cfg.Channel.Backoff.Initial = def.Initial
	}
	if cfg.Channel.Backoff.Max == 0 {
		cfg.Channel.Backoff.Max = def.Max
	}
	if cfg.Channel.Backoff.Factor == 0 {
		cfg.Channel.Backoff.Factor = def.Factor
	}
	if cfg.Channel.Backoff.Jitter == 0 {
		cfg.Channel.Backoff.Jitter = def.Jitter
	}
	if cfg.Channel.HandshakeTimeout == 0 {
		cfg.Channel.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Channel.InboxSize == 0 {
		cfg.Channel.InboxSize = 256
	}

	if cfg.Typing.IdleTimeout == 0 {
		cfg.Typing.IdleTimeout = typing.DefaultIdleTimeout
	}
	if cfg.Typing.SendTimeout == 0 {
		cfg.Typing.SendTimeout = typing.DefaultSendTimeout
	}
	if cfg.Typing.RemoteTTL == 0 {
		cfg.Typing.RemoteTTL = store.DefaultTypingTTL
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9464"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// deriveWebSocketURL maps http(s)://host/path to ws(s)://host/path/ws.
func deriveWebSocketURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("%v", err)
	}

	if strings.TrimSpace(c.Server.BaseURL) == "" {
		add("server.base_url is required")
	} else if u, err := url.Parse(c.Server.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("server.base_url must be an http(s) URL")
	}
	if c.Server.WebSocketURL != "" {
		if u, err := url.Parse(c.Server.WebSocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			add("server.ws_url must be a ws(s) URL")
		}
	}
	if c.Server.RequestTimeout < 0 {
		add("server.request_timeout must be >= 0")
	}

	hasToken := strings.TrimSpace(c.Auth.Token) != ""
	hasFile := strings.TrimSpace(c.Auth.TokenFile) != ""
	switch {
	case hasToken && hasFile:
		add("auth.token and auth.token_file are mutually exclusive")
	case !hasToken && !hasFile:
		add("auth.token or auth.token_file is required")
	}

	if c.Heartbeat.Interval <= 0 {
		add("heartbeat.interval must be > 0")
	}
	if c.Heartbeat.MinInterval < 0 {
		add("heartbeat.min_interval must be >= 0")
	}
	if c.Heartbeat.MinInterval > c.Heartbeat.Interval {
		add("heartbeat.min_interval must not exceed heartbeat.interval")
	}
	if c.Heartbeat.FinalTimeout <= 0 {
		add("heartbeat.final_timeout must be > 0")
	}

	if err := c.Channel.Backoff.Validate(); err != nil {
		add("channel.%v", err)
	}
	if c.Channel.InboxSize < 0 {
		add("channel.inbox_size must be >= 0")
	}

	if c.Typing.IdleTimeout <= 0 {
		add("typing.idle_timeout must be > 0")
	}
	if c.Typing.RemoteTTL <= 0 {
		add("typing.remote_ttl must be > 0")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// ValidationError lists configuration problems.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// IsValidationError reports whether err carries configuration issues.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
