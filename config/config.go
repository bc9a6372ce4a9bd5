// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent-side settings of the relay. Dispatch policy
// (endpoints, broadcast, thresholds) lives in the INI file referenced by
// Dispatch.PolicyFile and is loaded separately with LoadDispatch.
type Config struct {
	Producer  ProducerConfig  `yaml:"producer"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Spool     SpoolConfig     `yaml:"spool"`
	Replay    ReplayConfig    `yaml:"replay"`
	Transport TransportConfig `yaml:"transport"`
	Sticky    StickyConfig    `yaml:"sticky"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProducerConfig identifies the agent submitting commands.
type ProducerConfig struct {
	Identity string `yaml:"identity"` // certname sent with every command
}

// DispatchConfig points at the dispatch policy and tunes the dispatcher.
type DispatchConfig struct {
	PolicyFile     string               `yaml:"policy_file"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-endpoint circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// SpoolConfig holds the durable command queue settings.
type SpoolConfig struct {
	Type string `yaml:"type"` // files, badger
	Dir  string `yaml:"dir"`
}

// ReplayConfig holds queue replay settings.
type ReplayConfig struct {
	Interval      time.Duration `yaml:"interval"`        // used by "run"
	RatePerSecond float64       `yaml:"rate_per_second"` // 0 disables pacing
	Burst         int           `yaml:"burst"`
}

// TransportConfig holds HTTPS client settings.
type TransportConfig struct {
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
	CAFile      string `yaml:"ca_file"`
	ServerName  string `yaml:"server_name"`
	UserAgent   string `yaml:"user_agent"`
	HTTP2       bool   `yaml:"http2"`
	Compression bool   `yaml:"compression"` // gzip request bodies
}

// StickyConfig selects where the last-good read endpoint index lives.
type StickyConfig struct {
	Type string     `yaml:"type"` // local, etcd
	Etcd EtcdConfig `yaml:"etcd"`
}

// EtcdConfig holds the etcd client settings for a shared sticky index.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0

	Insecure           bool              `yaml:"insecure"`    // plaintext gRPC to the collector
	CAFile             string            `yaml:"ca_file"`     // system roots when empty
	Headers            map[string]string `yaml:"headers"`     // sent with every export
	Compression        bool              `yaml:"compression"` // gzip exports
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	return &Config{
		Producer: ProducerConfig{
			Identity: hostname,
		},
		Dispatch: DispatchConfig{
			PolicyFile: "/etc/cmdrelay/relay.conf",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Spool: SpoolConfig{
			Type: "files",
			Dir:  "/var/lib/cmdrelay/commands",
		},
		Replay: ReplayConfig{
			Interval:      5 * time.Minute,
			RatePerSecond: 0,
			Burst:         1,
		},
		Transport: TransportConfig{
			UserAgent:   "cmdrelay/1.0",
			HTTP2:       true,
			Compression: false,
		},
		Sticky: StickyConfig{
			Type: "local",
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/cmdrelay/sticky/",
				DialTimeout: 5 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "cmdrelay",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			Insecure:        true,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
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
	if c.Producer.Identity == "" {
		return fmt.Errorf("producer.identity cannot be empty")
	}
	if c.Dispatch.PolicyFile == "" {
		return fmt.Errorf("dispatch.policy_file cannot be empty")
	}
	if c.Dispatch.CircuitBreaker.Enabled {
		if c.Dispatch.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("dispatch.circuit_breaker.failure_threshold must be at least 1")
		}
		if c.Dispatch.CircuitBreaker.ResetTimeout < time.Second {
			return fmt.Errorf("dispatch.circuit_breaker.reset_timeout must be at least 1 second")
		}
	}

	validSpool := map[string]bool{"files": true, "badger": true}
	if !validSpool[c.Spool.Type] {
		return fmt.Errorf("spool.type must be one of: files, badger")
	}
	if c.Spool.Dir == "" {
		return fmt.Errorf("spool.dir cannot be empty")
	}

	if c.Replay.Interval < time.Second {
		return fmt.Errorf("replay.interval must be at least 1 second")
	}
	if c.Replay.RatePerSecond < 0 {
		return fmt.Errorf("replay.rate_per_second cannot be negative")
	}
	if c.Replay.RatePerSecond > 0 && c.Replay.Burst < 1 {
		return fmt.Errorf("replay.burst must be at least 1 when rate_per_second is set")
	}

	if (c.Transport.CertFile == "") != (c.Transport.KeyFile == "") {
		return fmt.Errorf("transport.cert_file and transport.key_file must be set together")
	}

	validSticky := map[string]bool{"local": true, "etcd": true}
	if !validSticky[c.Sticky.Type] {
		return fmt.Errorf("sticky.type must be one of: local, etcd")
	}
	if c.Sticky.Type == "etcd" {
		if len(c.Sticky.Etcd.Endpoints) == 0 {
			return fmt.Errorf("sticky.etcd.endpoints required when type is etcd")
		}
		if c.Sticky.Etcd.Prefix == "" {
			return fmt.Errorf("sticky.etcd.prefix required when type is etcd")
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

	// OpenTelemetry validation (only if enabled)
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.Insecure && c.Telemetry.CAFile != "" {
			return fmt.Errorf("telemetry.ca_file cannot be used with telemetry.insecure")
		}
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
