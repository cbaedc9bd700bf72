// Package config loads the YAML file describing an agent class and the MCP
// servers it should register on startup: a database path, allowed WebSocket
// origins, a durable-task signing key, and a list of MCP servers to
// pre-register.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MCPServerConfig describes one MCP server to register with the manager on
// startup.
type MCPServerConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport,omitempty"` // "auto" (default), "streamable-http", "sse"
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   string            `yaml:"timeout,omitempty"`
}

// Config is the full agent-class configuration loaded from config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	ClassName    string   `yaml:"class_name"`
	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	DBDir        string   `yaml:"db_dir"`
	AllowOrigins []string `yaml:"allow_origins"`

	// DurableSigningKeyEnv names an environment variable holding the HMAC
	// key used to verify bearer tokens on the durable-task HTTP endpoints.
	// Empty leaves those endpoints unauthenticated.
	DurableSigningKeyEnv string `yaml:"durable_signing_key_env"`

	TaskCleanupIntervalMinutes int `yaml:"task_cleanup_interval_minutes"`

	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// DBPath returns the sqlite path for a named instance of this class.
func (c Config) DBPath(instanceName string) string {
	return filepath.Join(c.DBDir, c.ClassName, instanceName+".db")
}

// DurableSigningKey reads the HMAC key named by DurableSigningKeyEnv, or nil
// if unset.
func (c Config) DurableSigningKey() []byte {
	if c.DurableSigningKeyEnv == "" {
		return nil
	}
	if v := os.Getenv(c.DurableSigningKeyEnv); v != "" {
		return []byte(v)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		ClassName:                  "agent",
		BindAddr:                   "127.0.0.1:8787",
		LogLevel:                   "info",
		DBDir:                      "./data",
		TaskCleanupIntervalMinutes: 60,
	}
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the agent's home directory: AGENTCORE_HOME if set,
// otherwise "./.agentcore".
func HomeDir() string {
	if override := os.Getenv("AGENTCORE_HOME"); override != "" {
		return override
	}
	return ".agentcore"
}

// Load reads config.yaml from HomeDir(), applying defaults and environment
// overrides. A missing file is not an error — Load returns the default
// configuration.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.ClassName) == "" {
		cfg.ClassName = "agent"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8787"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBDir == "" {
		cfg.DBDir = "./data"
	}
	if cfg.TaskCleanupIntervalMinutes <= 0 {
		cfg.TaskCleanupIntervalMinutes = 60
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTCORE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTCORE_DB_DIR"); raw != "" {
		cfg.DBDir = raw
	}
	if raw := os.Getenv("AGENTCORE_TASK_CLEANUP_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskCleanupIntervalMinutes = v
		}
	}
}
