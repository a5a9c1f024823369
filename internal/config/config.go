package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models flowdesk.yml.
type Config struct {
	Workspace struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"workspace"`
	Auth struct {
		TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
		DefaultPassword string `yaml:"default_password"`
	} `yaml:"auth"`
	Roles    map[string]Role `yaml:"roles"`
	Defaults struct {
		TaskPriority     string `yaml:"task_priority"`
		WorkloadCapacity int    `yaml:"workload_capacity"`
		AppBasePath      string `yaml:"app_base_path"`
	} `yaml:"defaults"`
}

// Role is one seeded role catalog entry.
type Role struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with fd workspace init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Workspace.Kind != "process-console" {
		return fmt.Errorf("config.workspace.kind must be 'process-console'")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for _, key := range []string{"ADMIN", "DESIGNER", "FUNCTIONARY"} {
		if _, ok := c.Roles[key]; !ok {
			return fmt.Errorf("config.roles must include %s", key)
		}
	}
	for key, role := range c.Roles {
		if key == "" {
			return fmt.Errorf("config.roles contains empty role key")
		}
		if role.Name == "" {
			return fmt.Errorf("role %s has empty name", key)
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", key)
			}
		}
	}
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must not be negative")
	}
	if c.Defaults.WorkloadCapacity < 1 {
		return fmt.Errorf("config.defaults.workload_capacity must be at least 1")
	}
	switch c.Defaults.TaskPriority {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("config.defaults.task_priority must be one of low, medium, high, critical")
	}
	return nil
}

// TokenTTLMinutes returns the configured token lifetime with a fallback.
func (c *Config) TokenTTLMinutes() int {
	if c.Auth.TokenTTLMinutes == 0 {
		return 480
	}
	return c.Auth.TokenTTLMinutes
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowdesk.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	cfg.Workspace.Kind = "process-console"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  id: %s
  kind: process-console

auth:
  token_ttl_minutes: 480
  default_password: changeme

roles:
  ADMIN:
    name: Administrator
    description: "Full control over units, users and flows"
    permissions:
      - units.manage
      - users.manage
      - roles.read
      - tasks.manage
      - tasks.assign
      - flows.design
      - flows.instantiate
      - flows.delete
      - metrics.read

  DESIGNER:
    name: Flow Designer
    description: "Designs flow templates and launches instances"
    permissions:
      - roles.read
      - tasks.manage
      - tasks.assign
      - flows.design
      - flows.instantiate
      - metrics.read

  FUNCTIONARY:
    name: Functionary
    description: "Works assigned tasks and reports problems"
    permissions:
      - roles.read
      - tasks.work
      - problems.report
      - metrics.read

defaults:
  task_priority: medium
  workload_capacity: 5
  app_base_path: /app
`
