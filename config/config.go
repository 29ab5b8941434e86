// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the broker configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	mqtls "github.com/absmach/mqttcore/pkg/tls"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
)

// Config holds all configuration for the MQTT broker.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Codec     CodecConfig     `yaml:"codec"`
	Broker    BrokerConfig    `yaml:"broker"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	TCPMaxConn      int           `yaml:"tcp_max_connections"`
	TCPWriteTimeout time.Duration `yaml:"tcp_write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// HealthAddr serves liveness, readiness and stats over HTTP when
	// HealthEnabled is set.
	HealthEnabled bool   `yaml:"health_enabled"`
	HealthAddr    string `yaml:"health_addr"`
	// TLS enables TLS on the TCP listener when a certificate is set.
	TLS mqtls.Config `yaml:"tls"`
}

// CodecConfig holds packet decoding settings.
type CodecConfig struct {
	// MaxPacketSize bounds the remaining length of an inbound packet.
	MaxPacketSize int `yaml:"max_packet_size"`
	// LenientPacketID downgrades a QoS 1/2 PUBLISH with packet id 0 to QoS 0
	// instead of rejecting it.
	LenientPacketID bool `yaml:"lenient_packet_id"`
}

// BrokerConfig holds protocol processing settings.
type BrokerConfig struct {
	// MaxQoS is the highest QoS the broker accepts and grants.
	MaxQoS byte `yaml:"max_qos"`

	// QoS retry settings
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`

	// ReceiveMaximum bounds unacknowledged QoS 1/2 deliveries per session.
	ReceiveMaximum int `yaml:"receive_maximum"`
	// TopicAliasMaximum is announced to v5 clients; 0 disables aliases.
	TopicAliasMaximum uint16 `yaml:"topic_alias_maximum"`

	// Application callback executor; 0 workers uses GOMAXPROCS.
	DeliveryWorkers int `yaml:"delivery_workers"`
	DeliveryQueue   int `yaml:"delivery_queue"`
}

// SessionConfig holds session management settings.
type SessionConfig struct {
	MaxSessions int `yaml:"max_sessions"`
	// DefaultExpiryInterval (seconds) applies to v3 clients without clean
	// session; 0 keeps such sessions until the client cleans them.
	DefaultExpiryInterval uint32 `yaml:"default_expiry_interval"`
}

// RateLimitConfig holds per-client rate limits.
type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	PublishRate    float64 `yaml:"publish_rate"`
	PublishBurst   int     `yaml:"publish_burst"`
	SubscribeRate  float64 `yaml:"subscribe_rate"`
	SubscribeBurst int     `yaml:"subscribe_burst"`
	// ConnectionRate limits new connections per second per remote IP;
	// 0 disables the connection limit.
	ConnectionRate  float64 `yaml:"connection_rate"`
	ConnectionBurst int     `yaml:"connection_burst"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir      string `yaml:"badger_dir"`
	BadgerInMemory bool   `yaml:"badger_in_memory"`
}

// MetricsConfig holds OpenTelemetry export settings.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP/gRPC collector
	ServiceName     string        `yaml:"service_name"`
	ExportInterval  time.Duration `yaml:"export_interval"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":1883",
			TCPMaxConn:      10000,
			TCPWriteTimeout: 10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthAddr:      ":8081",
		},
		Codec: CodecConfig{
			MaxPacketSize: 1024 * 1024, // 1MB
		},
		Broker: BrokerConfig{
			MaxQoS:            2,
			RetryInterval:     20 * time.Second,
			MaxRetries:        0, // Infinite retries
			ReceiveMaximum:    100,
			TopicAliasMaximum: 10,
			DeliveryQueue:     1024,
		},
		Session: SessionConfig{
			MaxSessions: 10000,
		},
		RateLimit: RateLimitConfig{
			PublishRate:     100,
			PublishBurst:    200,
			SubscribeRate:   10,
			SubscribeBurst:  20,
			ConnectionRate:  100.0 / 60.0,
			ConnectionBurst: 20,
		},
		Storage: StorageConfig{
			Type:           StorageMemory,
			BadgerInMemory: true,
		},
		Metrics: MetricsConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "mqttcore",
			ExportInterval:  10 * time.Second,
			TraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// An empty name or a missing file yields the default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server.tls: %w", err)
	}

	if c.Codec.MaxPacketSize < 1024 {
		return fmt.Errorf("codec.max_packet_size must be at least 1KB")
	}
	if c.Codec.MaxPacketSize > 268435455 {
		return fmt.Errorf("codec.max_packet_size cannot exceed 268435455")
	}

	if c.Broker.MaxQoS > 2 {
		return fmt.Errorf("broker.max_qos must be 0, 1 or 2")
	}
	if c.Broker.RetryInterval < time.Second {
		return fmt.Errorf("broker.retry_interval must be at least 1 second")
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.max_retries cannot be negative")
	}
	if c.Broker.ReceiveMaximum < 1 || c.Broker.ReceiveMaximum > 65535 {
		return fmt.Errorf("broker.receive_maximum must be between 1 and 65535")
	}
	if c.Broker.DeliveryWorkers < 0 {
		return fmt.Errorf("broker.delivery_workers cannot be negative")
	}
	if c.Broker.DeliveryQueue < 1 {
		return fmt.Errorf("broker.delivery_queue must be at least 1")
	}

	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be at least 1")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.PublishRate <= 0 || c.RateLimit.PublishBurst < 1 {
			return fmt.Errorf("ratelimit.publish_rate and publish_burst must be positive")
		}
		if c.RateLimit.SubscribeRate <= 0 || c.RateLimit.SubscribeBurst < 1 {
			return fmt.Errorf("ratelimit.subscribe_rate and subscribe_burst must be positive")
		}
		if c.RateLimit.ConnectionRate < 0 || (c.RateLimit.ConnectionRate > 0 && c.RateLimit.ConnectionBurst < 1) {
			return fmt.Errorf("ratelimit.connection_rate cannot be negative and needs a positive connection_burst")
		}
	}

	validStorage := map[string]bool{StorageMemory: true, StorageBadger: true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == StorageBadger && !c.Storage.BadgerInMemory && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Endpoint == "" || c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.endpoint and metrics.service_name required when metrics are enabled")
		}
		if c.Metrics.ExportInterval < time.Second {
			return fmt.Errorf("metrics.export_interval must be at least 1 second")
		}
		if c.Metrics.TraceSampleRate < 0 || c.Metrics.TraceSampleRate > 1 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
