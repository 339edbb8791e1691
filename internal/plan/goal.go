// Package plan loads goal files: a named set of tasks with dependencies,
// written in YAML or TOML.
package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/scheduler"
)

// Format is a goal file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// TaskSpec is one task as written in a goal file.
type TaskSpec struct {
	ID               string   `yaml:"id" toml:"id"`
	Name             string   `yaml:"name" toml:"name"`
	Description      string   `yaml:"description" toml:"description"`
	Role             string   `yaml:"role" toml:"role"`
	EstimatedMinutes int      `yaml:"estimate_minutes" toml:"estimate_minutes"`
	Priority         int      `yaml:"priority" toml:"priority"`
	DependsOn        []string `yaml:"depends_on" toml:"depends_on"`
	Files            []string `yaml:"files" toml:"files"`
}

// Goal is a unit of work submitted to the coordinator.
type Goal struct {
	Name        string     `yaml:"name" toml:"name"`
	Description string     `yaml:"description" toml:"description"`
	Tasks       []TaskSpec `yaml:"tasks" toml:"tasks"`

	Source string `yaml:"-" toml:"-"` // file the goal was read from
}

// FormatFor picks a format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported goal file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
}

// Load reads and validates a goal file.
func Load(path string) (*Goal, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read goal file: %w", err)
	}

	goal, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	goal.Source = path
	if goal.Name == "" {
		goal.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return goal, nil
}

// Parse decodes a goal and validates it.
func Parse(data []byte, format Format) (*Goal, error) {
	var goal Goal
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &goal); err != nil {
			return nil, fmt.Errorf("failed to parse goal YAML: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &goal); err != nil {
			return nil, fmt.Errorf("failed to parse goal TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown goal format %q", format)
	}

	if err := goal.Validate(); err != nil {
		return nil, err
	}
	return &goal, nil
}

// Validate checks the shape of the goal. Dependency and cycle checks are the
// resolver's job.
func (g *Goal) Validate() error {
	if len(g.Tasks) == 0 {
		return errors.New("goal must define at least one task")
	}
	for i, t := range g.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("task %d has no id", i+1)
		}
		if t.EstimatedMinutes < 0 {
			return fmt.Errorf("task %q has a negative estimate", t.ID)
		}
	}
	return nil
}

// SchedulerTasks converts the goal into unresolved scheduler tasks, in file order.
func (g *Goal) SchedulerTasks() []*scheduler.Task {
	tasks := make([]*scheduler.Task, 0, len(g.Tasks))
	for i, spec := range g.Tasks {
		name := spec.Name
		if name == "" {
			name = spec.ID
		}
		tasks = append(tasks, &scheduler.Task{
			ID:               spec.ID,
			Name:             name,
			Description:      spec.Description,
			Role:             spec.Role,
			EstimatedMinutes: spec.EstimatedMinutes,
			Priority:         spec.Priority,
			DependsOn:        append([]string(nil), spec.DependsOn...),
			Files:            append([]string(nil), spec.Files...),
			Status:           scheduler.TaskPending,
			Wave:             -1,
			Seq:              i,
		})
	}
	return tasks
}
