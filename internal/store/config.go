package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIBaseURL   string `yaml:"api_base_url"`
	WebsocketURL string `yaml:"websocket_url"`
	KeystorePath string `yaml:"keystore_path"`
	MetricsAddr  string `yaml:"metrics_addr"`

	Throttle struct {
		MinIntervalMS    int `yaml:"min_interval_ms"`
		MaxRetries       int `yaml:"max_retries"`
		InitialBackoffMS int `yaml:"initial_backoff_ms"`
		MaxBackoffMS     int `yaml:"max_backoff_ms"`
	} `yaml:"throttle"`

	Connection struct {
		HeartbeatSeconds     int `yaml:"heartbeat_seconds"`
		LivenessSeconds      int `yaml:"liveness_seconds"`
		ReconnectBaseDelayMS int `yaml:"reconnect_base_delay_ms"`
		ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
		HandshakeSeconds     int `yaml:"handshake_seconds"`
		RequestSeconds       int `yaml:"request_seconds"`
	} `yaml:"connection"`

	Session struct {
		SafetyMarginMinutes int `yaml:"safety_margin_minutes"`
	} `yaml:"session"`
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("api_base_url must be http(s), got '%s'", c.APIBaseURL)
	}
	if !strings.HasPrefix(c.WebsocketURL, "ws://") && !strings.HasPrefix(c.WebsocketURL, "wss://") {
		return fmt.Errorf("websocket_url must be ws(s), got '%s'", c.WebsocketURL)
	}
	if c.Connection.LivenessSeconds < c.Connection.HeartbeatSeconds {
		return fmt.Errorf("connection.liveness_seconds (%d) must be >= heartbeat_seconds (%d)",
			c.Connection.LivenessSeconds, c.Connection.HeartbeatSeconds)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.APIBaseURL == "" {
		c.APIBaseURL = "https://api.traderepublic.com"
	}
	if c.WebsocketURL == "" {
		c.WebsocketURL = "wss://api.traderepublic.com"
	}
	if c.KeystorePath == "" {
		home, _ := os.UserHomeDir()
		c.KeystorePath = filepath.Join(home, ".config", "trclient", "device_identity.json")
	}
	if c.Throttle.MinIntervalMS == 0 {
		c.Throttle.MinIntervalMS = 1000
	}
	if c.Throttle.MaxRetries == 0 {
		c.Throttle.MaxRetries = 3
	}
	if c.Throttle.InitialBackoffMS == 0 {
		c.Throttle.InitialBackoffMS = 1000
	}
	if c.Throttle.MaxBackoffMS == 0 {
		c.Throttle.MaxBackoffMS = 10000
	}
	if c.Connection.HeartbeatSeconds == 0 {
		c.Connection.HeartbeatSeconds = 20
	}
	if c.Connection.LivenessSeconds == 0 {
		c.Connection.LivenessSeconds = 40
	}
	if c.Connection.ReconnectBaseDelayMS == 0 {
		c.Connection.ReconnectBaseDelayMS = 1000
	}
	if c.Connection.ReconnectMaxAttempts == 0 {
		c.Connection.ReconnectMaxAttempts = 5
	}
	if c.Connection.HandshakeSeconds == 0 {
		c.Connection.HandshakeSeconds = 10
	}
	if c.Connection.RequestSeconds == 0 {
		c.Connection.RequestSeconds = 30
	}
	if c.Session.SafetyMarginMinutes == 0 {
		c.Session.SafetyMarginMinutes = 5
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}

func (c *Config) ThrottleMinInterval() time.Duration {
	return time.Duration(c.Throttle.MinIntervalMS) * time.Millisecond
}

func (c *Config) ThrottleInitialBackoff() time.Duration {
	return time.Duration(c.Throttle.InitialBackoffMS) * time.Millisecond
}

func (c *Config) ThrottleMaxBackoff() time.Duration {
	return time.Duration(c.Throttle.MaxBackoffMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Connection.HeartbeatSeconds) * time.Second
}

func (c *Config) LivenessTimeout() time.Duration {
	return time.Duration(c.Connection.LivenessSeconds) * time.Second
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.Connection.ReconnectBaseDelayMS) * time.Millisecond
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Connection.HandshakeSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Connection.RequestSeconds) * time.Second
}

func (c *Config) SessionSafetyMargin() time.Duration {
	return time.Duration(c.Session.SafetyMarginMinutes) * time.Minute
}
