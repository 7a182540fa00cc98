package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Oracle failure modes: what an agent does when a judgment call errors out.
const (
	FailClosed = "closed" // skip the task this cycle
	FailOpen   = "open"   // treat the check as passed
)

// Config models orc.yml.
type Config struct {
	Workspace struct {
		Root string `yaml:"root"`
	} `yaml:"workspace"`
	Agent struct {
		PollIntervalSeconds   float64 `yaml:"poll_interval_seconds"`
		PollJitterSeconds     float64 `yaml:"poll_jitter_seconds"`
		MaxConcurrentTasks    int     `yaml:"max_concurrent_tasks"`
		HeartbeatSeconds      float64 `yaml:"heartbeat_seconds"`
		DefaultMaxRetries     int     `yaml:"default_max_retries"`
		MaxDecompositionDepth int     `yaml:"max_decomposition_depth"`
		OracleFailureMode     string  `yaml:"oracle_failure_mode"`
	} `yaml:"agent"`
	Roles  map[string]Role `yaml:"roles"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
}

// Role is the tagged variant describing an agent's behavior: its advertised
// capability set, its acceptance threshold, and whether it may run the
// self-extension planner on capability gaps.
type Role struct {
	Capabilities []string `yaml:"capabilities"`
	Threshold    int      `yaml:"threshold"`
	Decomposer   bool     `yaml:"decomposer"`
}

// Load reads and validates config from the workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with orc init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset knobs
// fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.agent.poll_interval_seconds must be positive")
	}
	if c.Agent.PollJitterSeconds < 0 {
		return fmt.Errorf("config.agent.poll_jitter_seconds must not be negative")
	}
	if c.Agent.MaxConcurrentTasks < 1 {
		return fmt.Errorf("config.agent.max_concurrent_tasks must be at least 1")
	}
	if c.Agent.DefaultMaxRetries < 0 {
		return fmt.Errorf("config.agent.default_max_retries must not be negative")
	}
	if c.Agent.MaxDecompositionDepth < 1 {
		return fmt.Errorf("config.agent.max_decomposition_depth must be at least 1")
	}
	switch c.Agent.OracleFailureMode {
	case FailClosed, FailOpen:
	default:
		return fmt.Errorf("config.agent.oracle_failure_mode must be %q or %q", FailClosed, FailOpen)
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for name, role := range c.Roles {
		if name == "" {
			return fmt.Errorf("config.roles contains empty role name")
		}
		if len(role.Capabilities) == 0 {
			return fmt.Errorf("role %s declares no capabilities", name)
		}
		for _, cap := range role.Capabilities {
			if cap == "" {
				return fmt.Errorf("role %s has empty capability tag", name)
			}
		}
		if role.Threshold < 1 || role.Threshold > 10 {
			return fmt.Errorf("role %s threshold must be within 1..10", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orc.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns the default config YAML, written by orc init.
func GenerateDefault() string {
	return defaultTemplate
}

func (c *Config) applyDefaults() {
	if c.Workspace.Root == "" {
		c.Workspace.Root = "workspace"
	}
	if c.Agent.PollIntervalSeconds == 0 {
		c.Agent.PollIntervalSeconds = 2
	}
	if c.Agent.HeartbeatSeconds == 0 {
		c.Agent.HeartbeatSeconds = 5
	}
	if c.Agent.MaxConcurrentTasks == 0 {
		c.Agent.MaxConcurrentTasks = 3
	}
	if c.Agent.MaxDecompositionDepth == 0 {
		c.Agent.MaxDecompositionDepth = 3
	}
	if c.Agent.OracleFailureMode == "" {
		c.Agent.OracleFailureMode = FailClosed
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
}

const defaultTemplate = `workspace:
  root: workspace

agent:
  poll_interval_seconds: 2
  poll_jitter_seconds: 0.5
  max_concurrent_tasks: 3
  heartbeat_seconds: 5
  default_max_retries: 3
  max_decomposition_depth: 3
  oracle_failure_mode: closed

roles:
  search:
    capabilities: [web_search, google_search, research]
    threshold: 5

  file:
    capabilities: [file_operations, code_analysis, text_processing, agent_generation]
    threshold: 5

  terminal:
    capabilities: [command_execution, system_operations, cli_navigation]
    threshold: 5

  breakdown:
    capabilities: [task_decomposition, orchestration, planning]
    threshold: 6
    decomposer: true

server:
  addr: 127.0.0.1:8080
  base_path: /v0

telemetry:
  enabled: false
  otlp_endpoint: http://127.0.0.1:4318
`
