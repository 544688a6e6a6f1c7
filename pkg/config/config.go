package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"rillchat/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"` // where peers dial the signal server
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdentityTTL     time.Duration `yaml:"identity_ttl"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Session struct {
		StrictHost        bool          `yaml:"strict_host"`
		PendingBufferSize int           `yaml:"pending_buffer_size"`
		HistoryLimit      int           `yaml:"history_limit"`
		KickFlushDelay    time.Duration `yaml:"kick_flush_delay"`
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	} `yaml:"session"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		DataChannelLabel string `yaml:"data_channel_label"`
	} `yaml:"webrtc"`

	Assistant struct {
		Enabled       bool          `yaml:"enabled"`
		Endpoint      string        `yaml:"endpoint"`
		APIKey        string        `yaml:"api_key"`
		Keyword       string        `yaml:"keyword"`
		DisplayName   string        `yaml:"display_name"`
		ContextWindow int           `yaml:"context_window"`
		Timeout       time.Duration `yaml:"timeout"`
		MaxAttempts   int           `yaml:"max_attempts"`
	} `yaml:"assistant"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if err := validation.ValidateURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.IdentityTTL <= c.Signal.PingInterval {
		return fmt.Errorf("signal.identity_ttl must be > signal.ping_interval")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// Session
	if c.Session.PendingBufferSize <= 0 {
		return fmt.Errorf("session.pending_buffer_size must be > 0")
	}
	if c.Session.HistoryLimit < 0 {
		return fmt.Errorf("session.history_limit must be >= 0")
	}
	if c.Session.KickFlushDelay < 0 {
		return fmt.Errorf("session.kick_flush_delay must be >= 0")
	}
	if c.Session.ConnectTimeout < 0 {
		return fmt.Errorf("session.connect_timeout must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.DataChannelLabel == "" {
		return fmt.Errorf("webrtc.data_channel_label must not be empty")
	}

	// Assistant
	if c.Assistant.Enabled {
		if err := validation.ValidateURL(c.Assistant.Endpoint, "http", "https"); err != nil {
			return fmt.Errorf("assistant.endpoint: %w", err)
		}
	}
	if c.Assistant.ContextWindow < 0 {
		return fmt.Errorf("assistant.context_window must be >= 0")
	}
	if c.Assistant.Timeout <= 0 {
		return fmt.Errorf("assistant.timeout must be > 0")
	}
	if c.Assistant.MaxAttempts <= 0 {
		return fmt.Errorf("assistant.max_attempts must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); configPath == "" || os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.IdentityTTL = 90 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Session.PendingBufferSize = 64
	cfg.Session.HistoryLimit = 200
	cfg.Session.KickFlushDelay = 250 * time.Millisecond
	cfg.Session.ConnectTimeout = 15 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.DataChannelLabel = "chat"

	cfg.Assistant.Enabled = false
	cfg.Assistant.Keyword = "@assistant"
	cfg.Assistant.DisplayName = "AI Assistant"
	cfg.Assistant.ContextWindow = 20
	cfg.Assistant.Timeout = 30 * time.Second
	cfg.Assistant.MaxAttempts = 2

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 200
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RILLCHAT_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("RILLCHAT_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if level := os.Getenv("RILLCHAT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("RILLCHAT_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if endpoint := os.Getenv("RILLCHAT_ASSISTANT_ENDPOINT"); endpoint != "" {
		c.Assistant.Enabled = true
		c.Assistant.Endpoint = endpoint
	}
	if key := os.Getenv("RILLCHAT_ASSISTANT_API_KEY"); key != "" {
		c.Assistant.APIKey = key
	}
	if strict, err := strconv.ParseBool(os.Getenv("RILLCHAT_STRICT_HOST")); err == nil {
		c.Session.StrictHost = strict
	}
}
