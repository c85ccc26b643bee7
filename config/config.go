// Package config provides configuration loading and management for the
// GOI service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageKV     = "kv"
)

// Executor providers.
const (
	ProviderEcho   = "echo"
	ProviderOpenAI = "openai"
)

// Config represents the complete GOI configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	NATS       NATSConfig       `yaml:"nats"`
	Session    SessionConfig    `yaml:"session"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Events     EventsConfig     `yaml:"events"`
	Executor   ExecutorConfig   `yaml:"executor"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// Prefix is the route prefix of the API (default: api/goi)
	Prefix string `yaml:"prefix"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// UserHeader names the request header carrying the user id (default: X-User-ID)
	UserHeader string `yaml:"user_header"`
}

// StorageConfig selects where sessions' records are persisted
type StorageConfig struct {
	// Backend is memory, sqlite or kv
	Backend string `yaml:"backend"`
	// Path is the SQLite database file
	Path string `yaml:"path"`
	// Bucket is the JetStream KV bucket
	Bucket string `yaml:"bucket"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = no NATS)
	URL string `yaml:"url"`
	// Name is the client connection name
	Name string `yaml:"name"`
}

// SessionConfig configures the session manager
type SessionConfig struct {
	// StepTimeout bounds one executor or planner call
	StepTimeout time.Duration `yaml:"step_timeout"`
	// IdleTTL is how long an untouched session is kept
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// SweepInterval is how often idle sessions are evicted
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// DefaultMode is the collaboration mode of sessions started without one
	DefaultMode string `yaml:"default_mode"`
}

// CheckpointConfig configures the rule preset library
type CheckpointConfig struct {
	// RulesDir holds YAML preset files (empty = built-in presets only)
	RulesDir string `yaml:"rules_dir"`
	// Watch reloads the presets when RulesDir changes
	Watch bool `yaml:"watch"`
}

// EventsConfig configures the event bus
type EventsConfig struct {
	// Buffer is the capacity of each subscriber channel
	Buffer int `yaml:"buffer"`
	// SubjectPrefix is the NATS subject events are mirrored to
	SubjectPrefix string `yaml:"subject_prefix"`
	// DisableMirror stops publishing events to NATS when a connection is configured
	DisableMirror bool `yaml:"disable_mirror"`
}

// ExecutorConfig configures how steps are executed and plans generated
type ExecutorConfig struct {
	// Provider is echo or openai
	Provider string `yaml:"provider"`
	// Endpoint is the OpenAI-compatible API base URL
	Endpoint string `yaml:"endpoint"`
	// APIKey authenticates against Endpoint
	APIKey string `yaml:"api_key"`
	// Model is the chat model used for steps and plans
	Model string `yaml:"model"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
	// PricePerKToken converts estimated prompt tokens into cost
	PricePerKToken float64 `yaml:"price_per_k_token"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Prefix:          "api/goi",
			ShutdownTimeout: 10 * time.Second,
			UserHeader:      "X-User-ID",
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
			Path:    "goi.db",
			Bucket:  "GOI_RECORDS",
		},
		NATS: NATSConfig{
			Name: "goi",
		},
		Session: SessionConfig{
			StepTimeout:   2 * time.Minute,
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
			DefaultMode:   "assisted",
		},
		Events: EventsConfig{
			Buffer:        64,
			SubjectPrefix: "goi.events",
		},
		Executor: ExecutorConfig{
			Provider:       ProviderEcho,
			Endpoint:       "http://localhost:11434/v1",
			Model:          "qwen2.5-coder:32b",
			Temperature:    0.2,
			Timeout:        5 * time.Minute,
			PricePerKToken: 1,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case StorageKV:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the kv backend")
		}
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the kv backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, sqlite or kv, got %q", c.Storage.Backend)
	}
	if c.Session.StepTimeout <= 0 {
		return fmt.Errorf("session.step_timeout must be positive")
	}
	if c.Session.IdleTTL <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.idle_ttl and session.sweep_interval must be positive")
	}
	if c.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be positive")
	}
	switch c.Executor.Provider {
	case ProviderEcho:
	case ProviderOpenAI:
		if c.Executor.Endpoint == "" {
			return fmt.Errorf("executor.endpoint is required")
		}
		if c.Executor.Model == "" {
			return fmt.Errorf("executor.model is required")
		}
	default:
		return fmt.Errorf("executor.provider must be echo or openai, got %q", c.Executor.Provider)
	}
	if c.Executor.Temperature < 0 || c.Executor.Temperature > 1 {
		return fmt.Errorf("executor.temperature must be between 0 and 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// readLayer loads a file without defaults, for merging.
func readLayer(path string) (*Config, error) {
	config := &Config{}
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

func decodeFile(path string, dst *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	setString(&c.Server.Addr, other.Server.Addr)
	setString(&c.Server.Prefix, other.Server.Prefix)
	setDuration(&c.Server.ShutdownTimeout, other.Server.ShutdownTimeout)
	setString(&c.Server.UserHeader, other.Server.UserHeader)

	// Storage
	setString(&c.Storage.Backend, other.Storage.Backend)
	setString(&c.Storage.Path, other.Storage.Path)
	setString(&c.Storage.Bucket, other.Storage.Bucket)

	// NATS
	setString(&c.NATS.URL, other.NATS.URL)
	setString(&c.NATS.Name, other.NATS.Name)

	// Session
	setDuration(&c.Session.StepTimeout, other.Session.StepTimeout)
	setDuration(&c.Session.IdleTTL, other.Session.IdleTTL)
	setDuration(&c.Session.SweepInterval, other.Session.SweepInterval)
	setString(&c.Session.DefaultMode, other.Session.DefaultMode)

	// Checkpoint
	setString(&c.Checkpoint.RulesDir, other.Checkpoint.RulesDir)
	if other.Checkpoint.Watch {
		c.Checkpoint.Watch = true
	}

	// Events
	if other.Events.Buffer != 0 {
		c.Events.Buffer = other.Events.Buffer
	}
	setString(&c.Events.SubjectPrefix, other.Events.SubjectPrefix)
	if other.Events.DisableMirror {
		c.Events.DisableMirror = true
	}

	// Executor
	setString(&c.Executor.Provider, other.Executor.Provider)
	setString(&c.Executor.Endpoint, other.Executor.Endpoint)
	setString(&c.Executor.APIKey, other.Executor.APIKey)
	setString(&c.Executor.Model, other.Executor.Model)
	if other.Executor.Temperature != 0 {
		c.Executor.Temperature = other.Executor.Temperature
	}
	setDuration(&c.Executor.Timeout, other.Executor.Timeout)
	if other.Executor.PricePerKToken != 0 {
		c.Executor.PricePerKToken = other.Executor.PricePerKToken
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
