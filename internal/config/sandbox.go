package config

// SandboxConfig configures the sandbox runtime boundary.
type SandboxConfig struct {
	// Addr is the listen address of `forge serve` inside an environment.
	Addr string `yaml:"addr"`
	// Port is the container port the boundary listens on.
	Port          int    `yaml:"port"`
	InvokeTimeout string `yaml:"invoke_timeout"`
	// InlineResultLimit is the largest encoded result returned inline;
	// larger results are written under OutputRoot.
	InlineResultLimit int    `yaml:"inline_result_limit"`
	InputRoot         string `yaml:"input_root"`
	OutputRoot        string `yaml:"output_root"`
	// Runner is the command used by the process unit, e.g. ["python3", "/toolforge/runner.py"].
	Runner []string `yaml:"runner"`
	// AuthSecretEnv names the environment variable holding the HS256 secret.
	AuthSecretEnv    string   `yaml:"auth_secret_env"`
	AllowedGoImports []string `yaml:"allowed_go_imports"`
}

// EnvironmentConfig configures the environment provider.
type EnvironmentConfig struct {
	Provider     string   `yaml:"provider"` // docker
	BaseImage    string   `yaml:"base_image"`
	MemoryLimit  int64    `yaml:"memory_limit"`
	CPULimit     float64  `yaml:"cpu_limit"`
	Network      string   `yaml:"network"`
	ServeCommand []string `yaml:"serve_command"`
	ReadyTimeout string   `yaml:"ready_timeout"`
	// MountRoot is the host directory holding per-environment input/output mounts.
	MountRoot string `yaml:"mount_root"`
}
