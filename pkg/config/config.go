// Package config loads and validates the coordinator configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBindAddress    = "127.0.0.1:8090"
	DefaultMaxConcurrency = 4
	DefaultTokenTTL       = 60 * time.Second
	DefaultHeartbeat      = 15 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultDatabasePath   = "casewire.db"
	DefaultBusBackend     = "memory"
	DefaultLogDir         = "logs"

	// MinSecretLength is the minimum length for the stream token signing secret
	MinSecretLength = 32
)

// Config represents the complete coordinator configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Queue   QueueConfig   `yaml:"queue"`
	Driver  DriverConfig  `yaml:"driver"`
	Pool    PoolConfig    `yaml:"pool"`
	Stream  StreamConfig  `yaml:"stream"`
	Bus     BusConfig     `yaml:"bus"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// AuthConfig lists the API tokens the coordinator accepts. In a full
// deployment the surrounding platform verifies callers; static tokens
// cover standalone use.
type AuthConfig struct {
	StaticTokens []StaticTokenConfig `yaml:"static_tokens"`
}

// StaticTokenConfig binds one bearer token to a user and its projects
type StaticTokenConfig struct {
	Token      string   `yaml:"token"`
	UserID     string   `yaml:"user_id"`
	ProjectIDs []string `yaml:"project_ids"`
}

// DriverConfig selects the execution driver command
type DriverConfig struct {
	// Command is the executable (plus arguments) launched once per run.
	// The run context arrives in CASEWIRE_* environment variables and
	// step events are read from its stdout as JSON lines.
	Command []string `yaml:"command"`
}

// ServerConfig controls the HTTP API server
type ServerConfig struct {
	BindAddress    string   `yaml:"bind_address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	PublicMetrics  bool     `yaml:"public_metrics"`
}

// QueueConfig controls run admission
type QueueConfig struct {
	// MaxConcurrency bounds the number of runs executing at once.
	// Submissions beyond the cap wait in FIFO order.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// PoolConfig declares the device profiles the pool may boot
type PoolConfig struct {
	Profiles []ProfileConfig `yaml:"profiles"`
}

// ProfileConfig describes a bootable device profile
type ProfileConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // emulator or physical
	APILevel   int    `yaml:"api_level"`
	ScreenSize string `yaml:"screen_size"`
	Image      string `yaml:"image"`
}

// StreamConfig controls SSE streaming behavior
type StreamConfig struct {
	TokenSecret  string        `yaml:"token_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BusConfig selects the event bus backend
type BusConfig struct {
	// Backend is "memory" (default) or "nats".
	Backend string `yaml:"backend"`
	NATSURL string `yaml:"nats_url"`
}

// StorageConfig controls the persisted store
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    DefaultBindAddress,
			AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		},
		Queue: QueueConfig{MaxConcurrency: DefaultMaxConcurrency},
		Stream: StreamConfig{
			TokenTTL:     DefaultTokenTTL,
			Heartbeat:    DefaultHeartbeat,
			PollInterval: DefaultPollInterval,
		},
		Bus:     BusConfig{Backend: DefaultBusBackend},
		Storage: StorageConfig{DatabasePath: DefaultDatabasePath},
		Logging: LoggingConfig{Dir: DefaultLogDir, Level: "info"},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// omitted fields. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = DefaultBindAddress
	}
	if c.Queue.MaxConcurrency <= 0 {
		c.Queue.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Stream.TokenTTL <= 0 {
		c.Stream.TokenTTL = DefaultTokenTTL
	}
	if c.Stream.Heartbeat <= 0 {
		c.Stream.Heartbeat = DefaultHeartbeat
	}
	if c.Stream.PollInterval <= 0 {
		c.Stream.PollInterval = DefaultPollInterval
	}
	if c.Bus.Backend == "" {
		c.Bus.Backend = DefaultBusBackend
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = DefaultDatabasePath
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = DefaultLogDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Bus.Backend) {
	case "memory":
	case "nats":
		if c.Bus.NATSURL == "" {
			return fmt.Errorf("bus.nats_url is required when bus.backend is nats")
		}
	default:
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}

	if c.Stream.TokenSecret != "" && len(c.Stream.TokenSecret) < MinSecretLength {
		return fmt.Errorf("stream.token_secret must be at least %d characters", MinSecretLength)
	}

	for i, tok := range c.Auth.StaticTokens {
		if tok.Token == "" || tok.UserID == "" {
			return fmt.Errorf("auth.static_tokens[%d]: token and user_id are required", i)
		}
	}

	seen := make(map[string]bool)
	for _, p := range c.Pool.Profiles {
		if p.Name == "" {
			return fmt.Errorf("pool profile with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pool profile %q", p.Name)
		}
		seen[p.Name] = true
		if p.Kind != "emulator" && p.Kind != "physical" {
			return fmt.Errorf("pool profile %q: kind must be emulator or physical", p.Name)
		}
	}

	return nil
}
