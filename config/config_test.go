// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Service: ServiceConfig{Name: "pointvault"},
		Store: StoreConfig{
			Name:             "TheStore",
			BackEnd:          "memory",
			QueryBatchLimit:  64,
			ConfirmRetries:   3,
			ConfirmDelay:     100 * time.Millisecond,
			DenseFetchFactor: 1,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.Service.Name = "" },
			wantErr: true,
		},
		{
			name:    "bad backend",
			mutate:  func(c *Config) { c.Store.BackEnd = "oracle" },
			wantErr: true,
		},
		{
			name:    "influx backend without url",
			mutate:  func(c *Config) { c.Store.BackEnd = "influx" },
			wantErr: true,
		},
		{
			name: "influx backend complete",
			mutate: func(c *Config) {
				c.Store.BackEnd = "influx"
				c.Store.Influx = InfluxConfig{
					URL:          "http://localhost:8086",
					Token:        "test-token",
					Organization: "test-org",
					Bucket:       "test-bucket",
				}
			},
			wantErr: false,
		},
		{
			name:    "short influx token",
			mutate: func(c *Config) {
				c.Store.BackEnd = "influx"
				c.Store.Influx = InfluxConfig{
					URL:          "http://localhost:8086",
					Token:        "short",
					Organization: "test-org",
					Bucket:       "test-bucket",
				}
			},
			wantErr: true,
		},
		{
			name:    "secure without certificate",
			mutate:  func(c *Config) { c.Security.Secure = true },
			wantErr: true,
		},
		{
			name: "client CA without secure",
			mutate: func(c *Config) {
				c.Security.ClientCAFile = "/etc/pointvault/clients.pem"
			},
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: true,
		},
		{
			name: "duplicate point uuid",
			mutate: func(c *Config) {
				c.Points = []PointConfig{
					{UUID: "7f3de180-3a0f-4a56-9fd6-0ac4def1b906", Name: "a"},
					{UUID: "7f3de180-3a0f-4a56-9fd6-0ac4def1b906", Name: "b"},
				}
			},
			wantErr: true,
		},
		{
			name: "duplicate point name",
			mutate: func(c *Config) {
				c.Points = []PointConfig{
					{UUID: "7f3de180-3a0f-4a56-9fd6-0ac4def1b906", Name: "a"},
					{UUID: "34786a3c-4b9c-4a7e-9d22-27f0ab8655a0", Name: "a"},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
service:
  name: test-service
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Name != "TheStore" {
		t.Errorf("Store.Name = %q, want %q", cfg.Store.Name, "TheStore")
	}
	if cfg.Store.BackEnd != "memory" {
		t.Errorf("Store.BackEnd = %q, want %q", cfg.Store.BackEnd, "memory")
	}
	if cfg.Store.QueryBatchLimit != 64 {
		t.Errorf("QueryBatchLimit = %d, want 64", cfg.Store.QueryBatchLimit)
	}
	if cfg.Store.ConfirmRetries != 3 {
		t.Errorf("ConfirmRetries = %d, want 3", cfg.Store.ConfirmRetries)
	}
	if cfg.Store.ConfirmDelay != 100*time.Millisecond {
		t.Errorf("ConfirmDelay = %v, want 100ms", cfg.Store.ConfirmDelay)
	}
	if cfg.Store.DenseFetchFactor != 1 {
		t.Errorf("DenseFetchFactor = %d, want 1", cfg.Store.DenseFetchFactor)
	}
	if cfg.Registry.Address != "127.0.0.1" {
		t.Errorf("Registry.Address = %q, want %q", cfg.Registry.Address, "127.0.0.1")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
service:
  name: test-service
registry:
  port: 4160
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("POINTVAULT_SERVICE_NAME", "overridden")
	t.Setenv("POINTVAULT_REGISTRY_PORT", "4161")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "overridden" {
		t.Errorf("Service.Name = %q, want %q", cfg.Service.Name, "overridden")
	}
	if cfg.Registry.Port != 4161 {
		t.Errorf("Registry.Port = %d, want 4161", cfg.Registry.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestMetadata(t *testing.T) {
	cfg := validConfig()
	cfg.Points = []PointConfig{
		{
			UUID:      "7f3de180-3a0f-4a56-9fd6-0ac4def1b906",
			Name:      "plant.temperature",
			Kind:      "linear",
			TimeLimit: 15 * time.Minute,
		},
	}

	meta, err := cfg.Metadata()
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	p, ok := meta.LookupName("plant.temperature")
	if !ok {
		t.Fatal("point not found by name")
	}
	if p.TimeLimit != 15*time.Minute {
		t.Errorf("TimeLimit = %v, want 15m", p.TimeLimit)
	}

	cfg.Points[0].UUID = "not-a-uuid"
	if _, err := cfg.Metadata(); err == nil {
		t.Error("expected an error for a malformed uuid")
	}
}
