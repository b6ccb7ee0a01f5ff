package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fieldline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Statements struct {
		CodePrefix string `yaml:"code_prefix"`
		PadWidth   int    `yaml:"pad_width"`
	} `yaml:"statements"`
	Board struct {
		PositionGap float64 `yaml:"position_gap"`
	} `yaml:"board"`
	Stock struct {
		EnforceBalance bool `yaml:"enforce_balance"`
	} `yaml:"stock"`
	Tariffs struct {
		DebounceMS int `yaml:"debounce_ms"`
	} `yaml:"tariffs"`
	Catalog struct {
		Units []string `yaml:"units"`
	} `yaml:"catalog"`
	Exports []ExportConfig `yaml:"exports,omitempty"`
}

// ExportConfig describes one report/export collaborator endpoint fed from
// the event log.
type ExportConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "construction-project" {
		return fmt.Errorf("config.project.kind must be 'construction-project'")
	}
	if c.Statements.CodePrefix == "" {
		return fmt.Errorf("config.statements.code_prefix is required")
	}
	if c.Statements.PadWidth <= 0 {
		return fmt.Errorf("config.statements.pad_width must be positive")
	}
	if c.Board.PositionGap <= 0 {
		return fmt.Errorf("config.board.position_gap must be positive")
	}
	if c.Tariffs.DebounceMS < 0 {
		return fmt.Errorf("config.tariffs.debounce_ms must not be negative")
	}
	for _, u := range c.Catalog.Units {
		if u == "" {
			return fmt.Errorf("config.catalog.units contains empty unit")
		}
	}
	for i, ex := range c.Exports {
		if ex.URL == "" {
			return fmt.Errorf("config.exports[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "construction-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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

const defaultTemplate = `project:
  id: %s
  kind: construction-project

statements:
  code_prefix: EP
  pad_width: 3

board:
  position_gap: 100000

stock:
  enforce_balance: true

tariffs:
  debounce_ms: 300

catalog:
  units: [m, m2, m3, kg, t, un, h]
`
