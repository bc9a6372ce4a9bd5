// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Producer.Identity == "" {
		t.Error("expected a default producer identity")
	}
	if cfg.Spool.Type != "files" {
		t.Errorf("expected default spool type files, got %s", cfg.Spool.Type)
	}
	if cfg.Replay.Interval != 5*time.Minute {
		t.Errorf("expected replay interval 5m, got %v", cfg.Replay.Interval)
	}
	if cfg.Sticky.Type != "local" {
		t.Errorf("expected sticky type local, got %s", cfg.Sticky.Type)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty producer identity",
			modify: func(c *Config) {
				c.Producer.Identity = ""
			},
			wantErr: true,
		},
		{
			name: "unknown spool type",
			modify: func(c *Config) {
				c.Spool.Type = "sqlite"
			},
			wantErr: true,
		},
		{
			name: "badger spool is accepted",
			modify: func(c *Config) {
				c.Spool.Type = "badger"
			},
			wantErr: false,
		},
		{
			name: "replay interval too short",
			modify: func(c *Config) {
				c.Replay.Interval = 500 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "rate without burst",
			modify: func(c *Config) {
				c.Replay.RatePerSecond = 2
				c.Replay.Burst = 0
			},
			wantErr: true,
		},
		{
			name: "cert without key",
			modify: func(c *Config) {
				c.Transport.CertFile = "agent.pem"
			},
			wantErr: true,
		},
		{
			name: "etcd sticky without endpoints",
			modify: func(c *Config) {
				c.Sticky.Type = "etcd"
				c.Sticky.Etcd.Endpoints = nil
			},
			wantErr: true,
		},
		{
			name: "breaker with zero threshold",
			modify: func(c *Config) {
				c.Dispatch.CircuitBreaker.Enabled = true
				c.Dispatch.CircuitBreaker.FailureThreshold = 0
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "telemetry CA with insecure export",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.CAFile = "collector-ca.pem"
			},
			wantErr: true,
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Spool.Type != "files" {
		t.Errorf("expected default config, got spool type %s", cfg.Spool.Type)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")

	cfg := Default()
	cfg.Producer.Identity = "agent-7.example.com"
	cfg.Spool.Type = "badger"
	cfg.Spool.Dir = "/tmp/spool"
	cfg.Replay.RatePerSecond = 4
	cfg.Replay.Burst = 2

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Producer.Identity != "agent-7.example.com" {
		t.Errorf("expected identity agent-7.example.com, got %s", loaded.Producer.Identity)
	}
	if loaded.Spool.Type != "badger" || loaded.Spool.Dir != "/tmp/spool" {
		t.Errorf("unexpected spool config %+v", loaded.Spool)
	}
	if loaded.Replay.RatePerSecond != 4 || loaded.Replay.Burst != 2 {
		t.Errorf("unexpected replay config %+v", loaded.Replay)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := "log:\n  level: loud\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid log level")
	}
}
