package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDir is the directory holding config.yaml and the log file
const DefaultDir = ".crunchwatch"

// Config holds all crunchwatch configuration
type Config struct {
	// Engine
	Port         int    `yaml:"port"`          // Port the engine listens on for the event channel
	AutoRun      bool   `yaml:"auto_run"`      // Run tests automatically after a watched file is saved
	Interpreter  string `yaml:"interpreter"`   // Python interpreter path, supplied by the environment
	EngineModule string `yaml:"engine_module"` // Module passed to "-m"
	WorkDir      string `yaml:"work_dir"`      // First workspace root; engine cwd and watch root

	PluginVersion string `yaml:"plugin_version"`

	// Local query API
	APIPort int `yaml:"api_port"`

	// Timing (milliseconds)
	SettleMs         int `yaml:"settle_ms"`
	HaltGraceMs      int `yaml:"halt_grace_ms"`
	KillGraceMs      int `yaml:"kill_grace_ms"`
	ReadyTimeoutMs   int `yaml:"ready_timeout_ms"`
	ReconnectDelayMs int `yaml:"reconnect_delay_ms"`

	ReconnectThreshold int `yaml:"reconnect_threshold"`

	// Save watcher
	WatchExtensions []string `yaml:"watch_extensions"`
	IgnoreDirs      []string `yaml:"ignore_dirs"`

	EngineLogLines int `yaml:"engine_log_lines"` // Engine output lines kept in memory
}

// LoadConfig loads configuration from a YAML file.
// Missing fields keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves configuration to a YAML file, creating the directory if needed
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:               5000,
		AutoRun:            false,
		EngineModule:       "pycrunch.main",
		WorkDir:            ".",
		PluginVersion:      "0.0.1",
		APIPort:            9292,
		SettleMs:           1000,
		HaltGraceMs:        1000,
		KillGraceMs:        1500,
		ReadyTimeoutMs:     3000,
		ReconnectDelayMs:   500,
		ReconnectThreshold: 3,
		WatchExtensions:    []string{".py"},
		IgnoreDirs:         []string{".git", ".venv", "venv", "__pycache__", "node_modules", DefaultDir},
		EngineLogLines:     2000,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api_port %d", c.APIPort)
	}
	if c.APIPort == c.Port {
		return fmt.Errorf("api_port must differ from port (%d)", c.Port)
	}
	if c.EngineModule == "" {
		return fmt.Errorf("engine_module is required")
	}
	if c.SettleMs <= 0 || c.HaltGraceMs <= 0 || c.KillGraceMs <= 0 || c.ReadyTimeoutMs <= 0 {
		return fmt.Errorf("timing values must be positive")
	}
	if c.ReconnectDelayMs < 0 {
		return fmt.Errorf("reconnect_delay_ms must not be negative")
	}
	if c.ReconnectThreshold < 1 {
		return fmt.Errorf("reconnect_threshold must be at least 1")
	}
	if c.EngineLogLines < 1 {
		return fmt.Errorf("engine_log_lines must be at least 1")
	}
	return nil
}

// EngineArgs returns the arguments passed to the interpreter
func (c *Config) EngineArgs() []string {
	return []string{"-m", c.EngineModule, fmt.Sprintf("--port=%d", c.Port)}
}

// EngineURL returns the websocket URL of the engine event channel
func (c *Config) EngineURL() string {
	return fmt.Sprintf("ws://localhost:%d/", c.Port)
}

// APIAddr returns the listen address of the local query API
func (c *Config) APIAddr() string {
	return fmt.Sprintf("localhost:%d", c.APIPort)
}

func (c *Config) Settle() time.Duration         { return ms(c.SettleMs) }
func (c *Config) HaltGrace() time.Duration      { return ms(c.HaltGraceMs) }
func (c *Config) KillGrace() time.Duration      { return ms(c.KillGraceMs) }
func (c *Config) ReadyTimeout() time.Duration   { return ms(c.ReadyTimeoutMs) }
func (c *Config) ReconnectDelay() time.Duration { return ms(c.ReconnectDelayMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
