package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all toolforge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Oracle (LLM) configuration
	Oracle OracleConfig `yaml:"oracle"`

	// Install orchestrator
	Install InstallConfig `yaml:"install"`

	// Synthesis & repair loop
	Synthesis SynthesisConfig `yaml:"synthesis"`

	// Sandbox runtime boundary
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Environment provider (containers)
	Environment EnvironmentConfig `yaml:"environment"`

	// Artifact store
	Store StoreConfig `yaml:"store"`

	// Trajectory log
	Trajectory TrajectoryConfig `yaml:"trajectory"`

	// Session scheduling
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// InstallConfig configures the install orchestrator.
type InstallConfig struct {
	// Budget is K_install, the maximum number of install attempts.
	Budget         int    `yaml:"budget"`
	Timeout        string `yaml:"timeout"`
	MaxOutputBytes int64  `yaml:"max_output_bytes"`
	TailLines      int    `yaml:"tail_lines"`
	Workdir        string `yaml:"workdir"`
}

// SynthesisConfig configures the synthesis & repair loop.
type SynthesisConfig struct {
	// Budget is K_synthesis, the maximum number of synthesis attempts.
	Budget int `yaml:"budget"`
	// SampleInputs is how many sample inputs each Execute step runs.
	SampleInputs  int `yaml:"sample_inputs"`
	MaxTraceChars int `yaml:"max_trace_chars"`
	// Language is the default adapter language when a task does not name one.
	Language string `yaml:"language"`
	// Plan asks the oracle for a step plan before the first generation.
	Plan bool `yaml:"plan"`
}

// StoreConfig configures artifact persistence.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres
	DSN    string `yaml:"dsn"`
	Root   string `yaml:"root"`
}

// TrajectoryConfig configures the trajectory log.
type TrajectoryConfig struct {
	Dir          string `yaml:"dir"`
	SQLiteMirror bool   `yaml:"sqlite_mirror"`
}

// SessionConfig configures session scheduling.
type SessionConfig struct {
	Concurrency   int    `yaml:"concurrency"`
	WatchDebounce string `yaml:"watch_debounce"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "toolforge",
		Version: "0.3.0",

		Oracle: OracleConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			BaseURL:     "https://api.openai.com/v1",
			Timeout:     "5m",
			MaxTokens:   8192,
			Temperature: 0.2,
		},

		Install: InstallConfig{
			Budget:         5,
			Timeout:        "30m",
			MaxOutputBytes: 10 * 1024 * 1024,
			TailLines:      80,
			Workdir:        "/workspace",
		},

		Synthesis: SynthesisConfig{
			Budget:        10,
			SampleInputs:  1,
			MaxTraceChars: 15000,
			Language:      "starlark",
			Plan:          true,
		},

		Sandbox: SandboxConfig{
			Addr:              ":8000",
			Port:              8000,
			InvokeTimeout:     "5m",
			InlineResultLimit: 256 * 1024,
			InputRoot:         "/mount/input",
			OutputRoot:        "/mount/output",
			AuthSecretEnv:     "TOOLFORGE_SANDBOX_SECRET",
			AllowedGoImports: []string{
				"strings", "strconv", "fmt", "math", "sort", "bytes",
				"errors", "encoding/json", "encoding/base64", "time",
				"path", "path/filepath", "regexp", "os",
			},
		},

		Environment: EnvironmentConfig{
			Provider:     "docker",
			BaseImage:    "toolforge/base:latest",
			MemoryLimit:  8 * 1024 * 1024 * 1024,
			CPULimit:     4,
			ServeCommand: []string{"/toolforge/forge", "serve"},
			ReadyTimeout: "60s",
			MountRoot:    ".toolforge/mounts",
		},

		Store: StoreConfig{
			Driver: "sqlite",
			Root:   ".toolforge/store",
		},

		Trajectory: TrajectoryConfig{
			Dir:          ".toolforge/sessions",
			SQLiteMirror: false,
		},

		Session: SessionConfig{
			Concurrency:   2,
			WatchDebounce: "2s",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
		if c.Oracle.Provider == "" {
			c.Oracle.Provider = "openai"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
		c.Oracle.Provider = "gemini"
	}

	if dsn := os.Getenv("TOOLFORGE_STORE_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}
	if image := os.Getenv("TOOLFORGE_IMAGE"); image != "" {
		c.Environment.BaseImage = image
	}
	if n := os.Getenv("TOOLFORGE_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			c.Session.Concurrency = v
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetOracleTimeout returns the per-call oracle timeout.
func (c *Config) GetOracleTimeout() time.Duration {
	return parseDuration(c.Oracle.Timeout, 5*time.Minute)
}

// GetInstallTimeout returns the timeout for one install script run.
func (c *Config) GetInstallTimeout() time.Duration {
	return parseDuration(c.Install.Timeout, 30*time.Minute)
}

// GetInvokeTimeout returns the sandbox invocation timeout.
func (c *Config) GetInvokeTimeout() time.Duration {
	return parseDuration(c.Sandbox.InvokeTimeout, 5*time.Minute)
}

// GetReadyTimeout returns how long to wait for a sandbox boundary to come up.
func (c *Config) GetReadyTimeout() time.Duration {
	return parseDuration(c.Environment.ReadyTimeout, 60*time.Second)
}

// GetWatchDebounce returns the debounce window for task file changes.
func (c *Config) GetWatchDebounce() time.Duration {
	return parseDuration(c.Session.WatchDebounce, 2*time.Second)
}

// ValidProviders lists all supported oracle providers.
var ValidProviders = []string{"openai", "gemini"}

// ValidStoreDrivers lists all supported artifact store drivers.
var ValidStoreDrivers = []string{"sqlite", "postgres"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidProviders, c.Oracle.Provider) {
		return fmt.Errorf("invalid oracle provider: %s (valid: %v)", c.Oracle.Provider, ValidProviders)
	}
	if !contains(ValidStoreDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidStoreDrivers)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store driver postgres requires a dsn (set TOOLFORGE_STORE_DSN)")
	}
	if c.Install.Budget < 1 {
		return fmt.Errorf("install.budget must be at least 1, got %d", c.Install.Budget)
	}
	if c.Synthesis.Budget < 1 {
		return fmt.Errorf("synthesis.budget must be at least 1, got %d", c.Synthesis.Budget)
	}
	if c.Synthesis.SampleInputs < 1 {
		return fmt.Errorf("synthesis.sample_inputs must be at least 1, got %d", c.Synthesis.SampleInputs)
	}
	if c.Session.Concurrency < 1 {
		return fmt.Errorf("session.concurrency must be at least 1, got %d", c.Session.Concurrency)
	}
	return nil
}

// RequireOracleKey reports an error when no oracle API key is configured.
func (c *Config) RequireOracleKey() error {
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle API key not configured (set OPENAI_API_KEY or GEMINI_API_KEY)")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
