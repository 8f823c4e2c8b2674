package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir  string
	DBPath   string
	DocsDir  string
	AgentBin string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PidGrace          time.Duration
	MaxRuntime        time.Duration
	KillGrace         time.Duration

	DefaultParallel  int
	FailureThreshold float64
}

// fileConfig mirrors the optional config.yaml in the data directory.
// Durations are Go duration strings ("30s", "30m").
type fileConfig struct {
	AgentBin          string  `yaml:"agent_bin"`
	HeartbeatInterval string  `yaml:"heartbeat_interval"`
	HeartbeatTimeout  string  `yaml:"heartbeat_timeout"`
	PidGrace          string  `yaml:"pid_grace"`
	MaxRuntime        string  `yaml:"max_runtime"`
	KillGrace         string  `yaml:"kill_grace"`
	DefaultParallel   int     `yaml:"default_parallel"`
	FailureThreshold  float64 `yaml:"failure_threshold"`
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("FOREMAN_DATA_DIR", filepath.Join(homeDir, ".foreman"))

	c := &Config{
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "foreman.db"),
		DocsDir:  filepath.Join(dataDir, "docs"),
		AgentBin: getEnv("FOREMAN_AGENT_BIN", "claude"),

		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		PidGrace:          60 * time.Second,
		MaxRuntime:        30 * time.Minute,
		KillGrace:         5 * time.Second,

		DefaultParallel:  4,
		FailureThreshold: 0.5,
	}

	if err := c.loadFile(filepath.Join(dataDir, "config.yaml")); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if fc.AgentBin != "" {
		c.AgentBin = fc.AgentBin
	}
	if fc.DefaultParallel > 0 {
		c.DefaultParallel = fc.DefaultParallel
	}
	if fc.FailureThreshold > 0 {
		c.FailureThreshold = fc.FailureThreshold
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.HeartbeatInterval, &c.HeartbeatInterval},
		{fc.HeartbeatTimeout, &c.HeartbeatTimeout},
		{fc.PidGrace, &c.PidGrace},
		{fc.MaxRuntime, &c.MaxRuntime},
		{fc.KillGrace, &c.KillGrace},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q in %s: %w", d.raw, path, err)
		}
		*d.dst = parsed
	}

	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.DocsDir, 0755)
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
