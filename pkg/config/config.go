package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Bridge struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		SendBuffer   int           `yaml:"send_buffer"`
	} `yaml:"bridge"`

	Call struct {
		RingTimeout  time.Duration `yaml:"ring_timeout"`
		OpTimeout    time.Duration `yaml:"op_timeout"`
		HistoryLimit int           `yaml:"history_limit"`
	} `yaml:"call"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		Microphone bool `yaml:"microphone"`
		Camera     bool `yaml:"camera"`
		// Permission is "grant" or "deny".
		Permission string `yaml:"permission"`
	} `yaml:"media"`

	Agent struct {
		UserID      string        `yaml:"user_id"`
		DisplayName string        `yaml:"display_name"`
		Mode        string        `yaml:"mode"`
		AnswerDelay time.Duration `yaml:"answer_delay"`
		HangupAfter time.Duration `yaml:"hangup_after"`
	} `yaml:"agent"`

	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Address   string        `yaml:"address"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		RecordTTL time.Duration `yaml:"record_ttl"`
		// ContactCacheTTL keeps looked-up contacts in process; 0 disables it.
		ContactCacheTTL time.Duration `yaml:"contact_cache_ttl"`
		Retry           struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"breaker"`
	} `yaml:"redis"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Agent answering modes.
const (
	AgentModeAnswer  = "answer"
	AgentModeDecline = "decline"
	AgentModeIgnore  = "ignore"
)

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Bridge
	if c.Bridge.PingInterval <= 0 {
		return fmt.Errorf("bridge.ping_interval must be > 0")
	}
	if c.Bridge.PongTimeout <= c.Bridge.PingInterval {
		return fmt.Errorf("bridge.pong_timeout must be > bridge.ping_interval")
	}
	if c.Bridge.SendBuffer <= 0 {
		return fmt.Errorf("bridge.send_buffer must be > 0")
	}

	// Call
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be > 0")
	}
	if c.Call.OpTimeout <= 0 {
		return fmt.Errorf("call.op_timeout must be > 0")
	}
	if c.Call.HistoryLimit <= 0 {
		return fmt.Errorf("call.history_limit must be > 0")
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
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Media
	if c.Media.Permission != "grant" && c.Media.Permission != "deny" {
		return fmt.Errorf("media.permission must be grant or deny")
	}

	// Agent
	switch c.Agent.Mode {
	case AgentModeAnswer, AgentModeDecline, AgentModeIgnore:
	default:
		return fmt.Errorf("agent.mode must be one of answer, decline, ignore")
	}
	if c.Agent.AnswerDelay < 0 || c.Agent.HangupAfter < 0 {
		return fmt.Errorf("agent delays must be >= 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.RecordTTL <= 0 {
			return fmt.Errorf("redis.record_ttl must be > 0 when redis.enabled=true")
		}
		if c.Redis.ContactCacheTTL < 0 {
			return fmt.Errorf("redis.contact_cache_ttl must be >= 0")
		}
		if c.Redis.Retry.MaxAttempts < 0 {
			return fmt.Errorf("redis.retry.max_attempts must be >= 0")
		}
		if c.Redis.Breaker.FailureThreshold <= 0 || c.Redis.Breaker.SuccessThreshold <= 0 {
			return fmt.Errorf("redis.breaker thresholds must be > 0")
		}
		if c.Redis.Breaker.OpenTimeout <= 0 {
			return fmt.Errorf("redis.breaker.open_timeout must be > 0")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Bridge.PingInterval = 30 * time.Second
	cfg.Bridge.PongTimeout = 60 * time.Second
	cfg.Bridge.WriteTimeout = 10 * time.Second
	cfg.Bridge.SendBuffer = 64

	cfg.Call.RingTimeout = 45 * time.Second
	cfg.Call.OpTimeout = 10 * time.Second
	cfg.Call.HistoryLimit = 50

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Media.Microphone = true
	cfg.Media.Camera = true
	cfg.Media.Permission = "grant"

	cfg.Agent.UserID = "echo-agent"
	cfg.Agent.DisplayName = "Echo Agent"
	cfg.Agent.Mode = AgentModeAnswer
	cfg.Agent.AnswerDelay = time.Second
	cfg.Agent.HangupAfter = 30 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 20
	cfg.Redis.RecordTTL = 7 * 24 * time.Hour
	cfg.Redis.ContactCacheTTL = 30 * time.Second
	cfg.Redis.Retry.MaxAttempts = 5
	cfg.Redis.Retry.InitialDelay = 200 * time.Millisecond
	cfg.Redis.Retry.MaxDelay = 5 * time.Second
	cfg.Redis.Breaker.FailureThreshold = 5
	cfg.Redis.Breaker.SuccessThreshold = 2
	cfg.Redis.Breaker.OpenTimeout = 10 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "chatcall"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CHATCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CHATCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CHATCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("CHATCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CHATCALL_RING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Call.RingTimeout = d
		}
	}
	if user := os.Getenv("CHATCALL_AGENT_USER_ID"); user != "" {
		c.Agent.UserID = user
	}
	if mode := os.Getenv("CHATCALL_AGENT_MODE"); mode != "" {
		c.Agent.Mode = mode
	}
	if v := os.Getenv("CHATCALL_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
}
