// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the point-value
// store service: registry, security, realm, store and back-end property
// groups loaded from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pointvault/pointvault/point"
)

// Config represents the service configuration
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Registry RegistryConfig `yaml:"registry"`
	Security SecurityConfig `yaml:"security"`
	Realm    RealmConfig    `yaml:"realm"`
	Store    StoreConfig    `yaml:"store"`
	Points   []PointConfig  `yaml:"points"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServiceConfig holds service identity and observability settings
type ServiceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	MetricsPort int    `yaml:"metrics_port" validate:"min=0,max=65535"`
}

// RegistryConfig holds service registry settings
type RegistryConfig struct {
	Address string `yaml:"address"`
	// Port 0 selects a stealth registry on an OS-allocated port.
	Port      int  `yaml:"port" validate:"min=0,max=65535"`
	Private   bool `yaml:"private"`
	Protected bool `yaml:"protected"`
	Shared    bool `yaml:"shared"`
	// Announce publishes the registry endpoint over mDNS so shared
	// processes can locate a stealth registry.
	Announce bool `yaml:"announce"`
}

// SecurityConfig holds transport security settings
type SecurityConfig struct {
	// Secure requires TLS on exported session endpoints.
	Secure   bool   `yaml:"secure"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ClientCAFile enables certified (mutual TLS) operation: clients
	// must present a certificate signed by this CA.
	ClientCAFile string `yaml:"client_ca_file"`
	// CAFile is an additional CA trusted by clients dialing secure
	// endpoints.
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// RealmUser is one authenticatable identity
type RealmUser struct {
	Identifier string `yaml:"identifier" validate:"required"`
	// PasswordHash is a bcrypt hash of the user's password.
	PasswordHash string   `yaml:"password_hash" validate:"required"`
	Roles        []string `yaml:"roles"`
}

// RealmConfig holds the authentication realm
type RealmConfig struct {
	Users []RealmUser `yaml:"users" validate:"dive"`
	// RolesMap maps a required role to the identity roles accepted for
	// it. An empty mapping for a role means no restriction.
	RolesMap map[string][]string `yaml:"roles_map"`
}

// StoreConfig holds store server and client proxy settings
type StoreConfig struct {
	Name             string        `yaml:"name" validate:"required"`
	BackEnd          string        `yaml:"backend" validate:"oneof=memory influx"`
	QueryBatchLimit  int           `yaml:"query_batch_limit" validate:"min=1"`
	ResponseLimit    int           `yaml:"response_limit" validate:"min=0"`
	ConfirmRetries   int           `yaml:"confirm_retries" validate:"min=0"`
	ConfirmDelay     time.Duration `yaml:"confirm_delay"`
	PullDisabled     bool          `yaml:"pull_disabled"`
	DenseFetchFactor int           `yaml:"dense_fetch_factor" validate:"min=1"`
	Influx           InfluxConfig  `yaml:"influx"`
}

// InfluxConfig holds InfluxDB back-end connection settings
type InfluxConfig struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// PointConfig declares one point of the metadata snapshot
type PointConfig struct {
	UUID       string        `yaml:"uuid" validate:"required,uuid4_rfc4122|uuid_rfc4122"`
	Name       string        `yaml:"name" validate:"required"`
	Kind       string        `yaml:"kind"`
	Store      string        `yaml:"store"`
	TimeLimit  time.Duration `yaml:"time_limit"`
	Tombstones bool          `yaml:"tombstones"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the
// configuration
func (c *Config) applyEnvironmentOverrides() {
	if name := os.Getenv("POINTVAULT_SERVICE_NAME"); name != "" {
		c.Service.Name = name
	}
	if port := os.Getenv("POINTVAULT_REGISTRY_PORT"); port != "" {
		if parsed, parseErr := strconv.Atoi(port); parseErr == nil {
			c.Registry.Port = parsed
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse POINTVAULT_REGISTRY_PORT '%s': %v\n", port, parseErr)
		}
	}
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.Store.Influx.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.Store.Influx.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.Store.Influx.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.Store.Influx.Bucket = bucket
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "pointvault"
	}
	if c.Registry.Address == "" {
		c.Registry.Address = "127.0.0.1"
	}
	if c.Store.Name == "" {
		c.Store.Name = "TheStore"
	}
	if c.Store.BackEnd == "" {
		c.Store.BackEnd = "memory"
	}
	if c.Store.QueryBatchLimit == 0 {
		c.Store.QueryBatchLimit = 64
	}
	if c.Store.ConfirmRetries == 0 {
		c.Store.ConfirmRetries = 3
	}
	if c.Store.ConfirmDelay == 0 {
		c.Store.ConfirmDelay = 100 * time.Millisecond
	}
	if c.Store.DenseFetchFactor == 0 {
		c.Store.DenseFetchFactor = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	if err := c.validateSecurity(); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	return c.validatePoints()
}

// validateSecurity validates the transport security configuration
func (c *Config) validateSecurity() error {
	if c.Security.Secure && c.Security.CertFile == "" {
		return fmt.Errorf("security.cert_file is required when security.secure is set")
	}
	if c.Security.CertFile != "" && c.Security.KeyFile == "" {
		return fmt.Errorf("security.key_file is required when security.cert_file is set")
	}
	if c.Security.ClientCAFile != "" && !c.Security.Secure {
		return fmt.Errorf("security.client_ca_file requires security.secure")
	}
	return nil
}

// validateStore validates the store configuration
func (c *Config) validateStore() error {
	if c.Store.BackEnd != "influx" {
		return nil
	}
	if c.Store.Influx.URL == "" {
		return fmt.Errorf("store.influx.url is required for the influx back-end")
	}
	if c.Store.Influx.Token == "" {
		return fmt.Errorf("store.influx.token is required for the influx back-end")
	}
	if len(c.Store.Influx.Token) < 8 {
		return fmt.Errorf("store.influx.token must be at least 8 characters long")
	}
	if c.Store.Influx.Organization == "" {
		return fmt.Errorf("store.influx.organization is required for the influx back-end")
	}
	if c.Store.Influx.Bucket == "" {
		return fmt.Errorf("store.influx.bucket is required for the influx back-end")
	}
	return nil
}

// validatePoints checks point declarations for duplicate identities
func (c *Config) validatePoints() error {
	seenUUID := make(map[string]bool, len(c.Points))
	seenName := make(map[string]bool, len(c.Points))
	for _, p := range c.Points {
		if seenUUID[p.UUID] {
			return fmt.Errorf("points: duplicate uuid %q", p.UUID)
		}
		if seenName[p.Name] {
			return fmt.Errorf("points: duplicate name %q", p.Name)
		}
		seenUUID[p.UUID] = true
		seenName[p.Name] = true
	}
	return nil
}

// Metadata builds the point metadata snapshot declared by the
// configuration.
func (c *Config) Metadata() (*point.Metadata, error) {
	points := make([]*point.Point, 0, len(c.Points))
	for _, pc := range c.Points {
		id, err := uuid.Parse(pc.UUID)
		if err != nil {
			return nil, fmt.Errorf("points: invalid uuid %q: %w", pc.UUID, err)
		}
		points = append(points, &point.Point{
			UUID:       id,
			Name:       pc.Name,
			Kind:       pc.Kind,
			StoreName:  pc.Store,
			TimeLimit:  pc.TimeLimit,
			Tombstones: pc.Tombstones,
		})
	}
	return point.NewMetadata(points...), nil
}
