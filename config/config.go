// Package config loads the configuration of an agency member from YAML or TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/goyalg325/agency/raft"
)

// ErrInvalid is returned for unusable configuration
var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a string such as "150ms"
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogConfig selects log level and format
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json or console
}

// Config is the configuration of one member
type Config struct {
	ID                string            `yaml:"id" toml:"id"`
	Listen            string            `yaml:"listen" toml:"listen"`
	DataDir           string            `yaml:"data_dir" toml:"data_dir"`
	InMemory          bool              `yaml:"in_memory" toml:"in_memory"`
	Members           map[string]string `yaml:"members" toml:"members"`
	ElectionTimeout   Duration          `yaml:"election_timeout" toml:"election_timeout"`
	HeartbeatInterval Duration          `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	RPCTimeout        Duration          `yaml:"rpc_timeout" toml:"rpc_timeout"`
	WaitTimeout       Duration          `yaml:"wait_timeout" toml:"wait_timeout"`
	SnapshotThreshold int               `yaml:"snapshot_threshold" toml:"snapshot_threshold"`
	SnapshotRetain    uint64            `yaml:"snapshot_retain" toml:"snapshot_retain"`
	ElectionNoop      bool              `yaml:"election_noop" toml:"election_noop"`
	Log               LogConfig         `yaml:"log" toml:"log"`
}

// Default returns a configuration with default timings and no members
func Default() Config {
	return Config{
		DataDir:           "data",
		ElectionTimeout:   Duration{raft.DefaultElectionTimeout},
		HeartbeatInterval: Duration{raft.DefaultHeartbeatInterval},
		RPCTimeout:        Duration{time.Second},
		WaitTimeout:       Duration{raft.DefaultWaitTimeout},
		SnapshotThreshold: raft.DefaultSnapshotThreshold,
		SnapshotRetain:    raft.DefaultSnapshotRetain,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("%w: unsupported config format %q", ErrInvalid, ext)
	}
	return cfg, nil
}

// ListenAddr is the address to bind: Listen, or this member's own endpoint
func (c Config) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	return c.Members[c.ID]
}

// Validate checks that the configuration is usable
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("%w: members are required", ErrInvalid)
	}
	if _, ok := c.Members[c.ID]; !ok {
		return fmt.Errorf("%w: %s is not listed in members", ErrInvalid, c.ID)
	}
	if c.ListenAddr() == "" {
		return fmt.Errorf("%w: no listen address for %s", ErrInvalid, c.ID)
	}
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required unless in_memory is set", ErrInvalid)
	}
	if c.RPCTimeout.Duration <= 0 {
		return fmt.Errorf("%w: rpc_timeout must be positive", ErrInvalid)
	}
	if c.SnapshotThreshold < 0 {
		return fmt.Errorf("%w: snapshot_threshold must not be negative", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	if err := c.Raft(zerolog.Nop()).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Raft returns the agent configuration
func (c Config) Raft(logger zerolog.Logger) raft.Config {
	return raft.Config{
		ID:                c.ID,
		Members:           c.Members,
		ElectionTimeout:   c.ElectionTimeout.Duration,
		HeartbeatInterval: c.HeartbeatInterval.Duration,
		WaitTimeout:       c.WaitTimeout.Duration,
		SnapshotThreshold: c.SnapshotThreshold,
		SnapshotRetain:    c.SnapshotRetain,
		ElectionNoop:      c.ElectionNoop,
		Logger:            logger,
	}
}
