package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
id: n1
data_dir: /var/lib/agency/n1
members:
  n1: 127.0.0.1:8531
  n2: 127.0.0.1:8532
  n3: 127.0.0.1:8533
election_timeout: 300ms
heartbeat_interval: 75ms
snapshot_threshold: 500
election_noop: true
log:
  level: debug
  format: json
`

const tomlConfig = `
id = "n2"
listen = "0.0.0.0:8532"
in_memory = true
wait_timeout = "2s"

[members]
n1 = "127.0.0.1:8531"
n2 = "127.0.0.1:8532"

[log]
level = "warn"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "agency.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "n1", cfg.ID)
	assert.Equal(t, "/var/lib/agency/n1", cfg.DataDir)
	assert.Len(t, cfg.Members, 3)
	assert.Equal(t, 300*time.Millisecond, cfg.ElectionTimeout.Duration)
	assert.Equal(t, 75*time.Millisecond, cfg.HeartbeatInterval.Duration)
	assert.Equal(t, 500, cfg.SnapshotThreshold)
	assert.True(t, cfg.ElectionNoop)
	assert.Equal(t, "json", cfg.Log.Format)

	// Unset fields keep their defaults
	assert.Equal(t, time.Second, cfg.RPCTimeout.Duration)
	assert.Equal(t, Default().SnapshotRetain, cfg.SnapshotRetain)
	assert.Equal(t, "127.0.0.1:8531", cfg.ListenAddr())
	assert.NoError(t, cfg.Validate())
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "agency.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "n2", cfg.ID)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, "0.0.0.0:8532", cfg.ListenAddr())
	assert.Equal(t, 2*time.Second, cfg.WaitTimeout.Duration)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeFile(t, "agency.ini", "id=n1"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(writeFile(t, "agency.yaml", "election_timeout: soon"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.ID = "n1"
		cfg.Members = map[string]string{"n1": "127.0.0.1:8531"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(*Config){
		"missing id":           func(c *Config) { c.ID = "" },
		"self not a member":    func(c *Config) { c.ID = "n9" },
		"no members":           func(c *Config) { c.Members = nil },
		"no data dir":          func(c *Config) { c.DataDir = "" },
		"heartbeat too slow":   func(c *Config) { c.HeartbeatInterval = c.ElectionTimeout },
		"bad log level":        func(c *Config) { c.Log.Level = "loud" },
		"bad log format":       func(c *Config) { c.Log.Format = "xml" },
		"zero rpc timeout":     func(c *Config) { c.RPCTimeout = Duration{} },
		"negative threshold":   func(c *Config) { c.SnapshotThreshold = -1 },
		"empty member address": func(c *Config) { c.Members["n2"] = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	// In-memory members need no data directory
	cfg := valid()
	cfg.DataDir = ""
	cfg.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("fast")))
}
