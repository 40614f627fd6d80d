// Package config loads chatsync client settings.
package config

import (
	"fmt"
	"time"
)

// Config is the complete client configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Kafka   KafkaConfig   `yaml:"kafka" mapstructure:"kafka"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Scylla  ScyllaConfig  `yaml:"scylla" mapstructure:"scylla"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Session SessionConfig `yaml:"session" mapstructure:"session"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level        string `yaml:"level" mapstructure:"level"`
	Format       string `yaml:"format" mapstructure:"format"`
	EnableCaller bool   `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// GatewayConfig points at the chat gateway (websocket) and API (login) servers.
type GatewayConfig struct {
	WSAddr         string        `yaml:"ws_addr" mapstructure:"ws_addr"`
	APIAddr        string        `yaml:"api_addr" mapstructure:"api_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

type AuthConfig struct {
	// Secret verifies login tokens locally. Empty means claims are read unverified.
	Secret string `yaml:"secret" mapstructure:"secret"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

type RedisConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type ScyllaConfig struct {
	Enabled  bool     `yaml:"enabled" mapstructure:"enabled"`
	Hosts    []string `yaml:"hosts" mapstructure:"hosts"`
	Keyspace string   `yaml:"keyspace" mapstructure:"keyspace"`
}

type CacheConfig struct {
	// Path of the SQLite snapshot cache. Empty disables it.
	Path string `yaml:"path" mapstructure:"path"`
}

// SessionConfig tunes conversation sessions.
type SessionConfig struct {
	PageSize            int           `yaml:"page_size" mapstructure:"page_size"`
	ThreadPageSize      int           `yaml:"thread_page_size" mapstructure:"thread_page_size"`
	TypingQuietInterval time.Duration `yaml:"typing_quiet_interval" mapstructure:"typing_quiet_interval"`
	RemoteTypingTimeout time.Duration `yaml:"remote_typing_timeout" mapstructure:"remote_typing_timeout"`
	TypingStartThrottle time.Duration `yaml:"typing_start_throttle" mapstructure:"typing_start_throttle"`
	SnowflakeNode       int64         `yaml:"snowflake_node" mapstructure:"snowflake_node"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Gateway: GatewayConfig{
			WSAddr:         "localhost:8080",
			APIAddr:        "localhost:8081",
			RequestTimeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "messages",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Scylla: ScyllaConfig{
			Hosts:    []string{"localhost"},
			Keyspace: "chat",
		},
		Session: SessionConfig{
			PageSize:            30,
			ThreadPageSize:      10,
			TypingQuietInterval: 500 * time.Millisecond,
			RemoteTypingTimeout: 8 * time.Second,
			TypingStartThrottle: 3 * time.Second,
			SnowflakeNode:       1,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Gateway.WSAddr == "" {
		return fmt.Errorf("gateway.ws_addr is required")
	}
	if c.Gateway.RequestTimeout <= 0 {
		return fmt.Errorf("gateway.request_timeout must be positive")
	}
	if c.Session.PageSize < 1 || c.Session.PageSize > 200 {
		return fmt.Errorf("session.page_size must be between 1 and 200")
	}
	if c.Session.ThreadPageSize < 1 || c.Session.ThreadPageSize > 200 {
		return fmt.Errorf("session.thread_page_size must be between 1 and 200")
	}
	if c.Session.TypingQuietInterval < 50*time.Millisecond {
		return fmt.Errorf("session.typing_quiet_interval must be at least 50ms")
	}
	if c.Session.RemoteTypingTimeout < c.Session.TypingQuietInterval {
		return fmt.Errorf("session.remote_typing_timeout must not be shorter than typing_quiet_interval")
	}
	if c.Session.TypingStartThrottle < 0 {
		return fmt.Errorf("session.typing_start_throttle must not be negative")
	}
	if c.Session.SnowflakeNode < 0 || c.Session.SnowflakeNode > 1023 {
		return fmt.Errorf("session.snowflake_node must be between 0 and 1023")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Scylla.Enabled && (len(c.Scylla.Hosts) == 0 || c.Scylla.Keyspace == "") {
		return fmt.Errorf("scylla.hosts and scylla.keyspace are required when scylla is enabled")
	}
	return nil
}
