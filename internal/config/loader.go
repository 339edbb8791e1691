package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/aristath/conductor/internal/worker"
)

// EnvPrefix marks environment variables that override file settings.
const EnvPrefix = "CONDUCTOR_"

// Load reads and merges configuration from global and project paths, then
// applies environment overrides.
// Order of precedence (highest to lowest): env, project config, global config, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadFile(k, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := loadFile(k, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	// Unmarshalling over the defaults keeps every key the layers left unset.
	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.conductor/config.yaml
// Project: .conductor/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// GlobalPath returns the per-user config file path.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".conductor", "config.yaml"), nil
}

// ProjectPath returns the project config file path relative to cwd.
func ProjectPath() string {
	return filepath.Join(".conductor", "config.yaml")
}

// loadFile merges a YAML file into k. Missing files are silently skipped.
func loadFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// envKey maps CONDUCTOR_SECTION_FIELD_NAME to section.field_name. Only the
// first underscore after the prefix separates levels.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case c.Pool.Capacity < 1:
		return fmt.Errorf("pool.capacity must be at least 1, got %d", c.Pool.Capacity)
	case c.QA.MaxIterations < 1:
		return fmt.Errorf("qa.max_iterations must be at least 1, got %d", c.QA.MaxIterations)
	case c.QA.TaskTimeout <= 0:
		return fmt.Errorf("qa.task_timeout must be positive")
	case c.Planning.MaxTaskMinutes < 0:
		return fmt.Errorf("planning.max_task_minutes must not be negative")
	case c.Worktree.BaseBranch == "":
		return fmt.Errorf("worktree.base_branch is required")
	case c.Store.Path == "":
		return fmt.Errorf("store.path is required")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}

	for name, p := range c.Providers {
		if p.Command == "" {
			return fmt.Errorf("providers.%s.command is required", name)
		}
		if !worker.ValidFormat(p.Format) {
			return fmt.Errorf("providers.%s.format %q is not supported", name, p.Format)
		}
	}
	for name, a := range c.Agents {
		if _, err := worker.ParseRole(name); err != nil {
			return fmt.Errorf("agents.%s: %w", name, err)
		}
		if _, ok := c.Providers[a.Provider]; !ok {
			return fmt.Errorf("agents.%s references unknown provider %q", name, a.Provider)
		}
	}
	return nil
}
