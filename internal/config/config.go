// Package config loads engine configuration from an optional YAML file and
// environment variable overrides, in the same layering the teacher's
// pkg/config uses: .env (if present) -> YAML file (if present) -> env-tagged
// struct decode, so a bare `go run` with no configuration still works.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ContainerConfig controls one execution container's scheduling.
type ContainerConfig struct {
	Cadence           time.Duration `yaml:"cadence" env:"STORMSTACK_CADENCE"`
	MaxConcurrentTicks int          `yaml:"max_concurrent_ticks" env:"STORMSTACK_MAX_CONCURRENT_TICKS"`
	CommandQueueLimit int           `yaml:"command_queue_limit" env:"STORMSTACK_COMMAND_QUEUE_LIMIT"`
}

// SandboxConfig controls module sandbox resource limits (spec §4.3).
type SandboxConfig struct {
	FuelLimit     uint64        `yaml:"fuel_limit" env:"STORMSTACK_FUEL_LIMIT"`
	MemoryLimit   int64         `yaml:"memory_limit_bytes" env:"STORMSTACK_MEMORY_LIMIT_BYTES"`
	WallDeadline  time.Duration `yaml:"wall_deadline" env:"STORMSTACK_WALL_DEADLINE"`
	MaxCallDepth  int           `yaml:"max_call_depth" env:"STORMSTACK_MAX_CALL_DEPTH"`
	FailureBudget int           `yaml:"failure_budget" env:"STORMSTACK_FAILURE_BUDGET"`
}

// SnapshotConfig controls the snapshot/subscription retention window.
type SnapshotConfig struct {
	RetentionTicks int `yaml:"retention_ticks" env:"STORMSTACK_RETENTION_TICKS"`
	SubscriberLag  int `yaml:"subscriber_lag_ticks" env:"STORMSTACK_SUBSCRIBER_LAG_TICKS"`
}

// RedisConfig controls the optional Redis-backed snapshot history sink.
type RedisConfig struct {
	Addr    string `yaml:"addr" env:"STORMSTACK_REDIS_ADDR"`
	Enabled bool   `yaml:"enabled" env:"STORMSTACK_REDIS_ENABLED"`
}

// TransportConfig controls the WebSocket transport adapter.
type TransportConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"STORMSTACK_LISTEN_ADDR"`
}

// LoggingConfig controls the engine logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"STORMSTACK_LOG_LEVEL"`
	Format string `yaml:"format" env:"STORMSTACK_LOG_FORMAT"`
}

// Config is the root configuration document.
type Config struct {
	Container ContainerConfig `yaml:"container"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Redis     RedisConfig     `yaml:"redis"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// New returns a Config populated with the engine's documented defaults
// (spec §4.3, §4.5, §4.6).
func New() *Config {
	return &Config{
		Container: ContainerConfig{
			Cadence:            16666667 * time.Nanosecond, // ~60Hz
			MaxConcurrentTicks: 8,
			CommandQueueLimit:  10000,
		},
		Sandbox: SandboxConfig{
			FuelLimit:     1_000_000,
			MemoryLimit:   16 * 1024 * 1024,
			WallDeadline:  time.Second,
			MaxCallDepth:  256,
			FailureBudget: 8,
		},
		Snapshot: SnapshotConfig{
			RetentionTicks: 100,
			SubscriberLag:  50,
		},
		Transport: TransportConfig{
			ListenAddr: ":7777",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from an optional file (STORMSTACK_CONFIG_FILE, or
// configs/stormstack.yaml by default) and then applies environment variable
// overrides declared via `env` struct tags.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("STORMSTACK_CONFIG_FILE"))
	if path == "" {
		path = "configs/stormstack.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
