package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/worker"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		global        string
		project       string
		expectAgents  int
		checkAgent    string
		expectProv    string
		expectModel   string
		expectCap     int
		expectTimeout time.Duration
	}{
		{
			name:          "No config files - returns defaults",
			expectAgents:  4,
			checkAgent:    "coder",
			expectProv:    "claude",
			expectModel:   "sonnet",
			expectCap:     4,
			expectTimeout: 4 * time.Hour,
		},
		{
			name: "Global only - overrides limits",
			global: `
pool:
  capacity: 8
qa:
  task_timeout: 90m
`,
			expectAgents:  4,
			checkAgent:    "coder",
			expectProv:    "claude",
			expectModel:   "sonnet",
			expectCap:     8,
			expectTimeout: 90 * time.Minute,
		},
		{
			name: "Project only - overrides agent provider",
			project: `
providers:
  codex:
    command: codex
    format: json
agents:
  coder:
    provider: codex
    model: gpt-5
`,
			expectAgents:  4,
			checkAgent:    "coder",
			expectProv:    "codex",
			expectModel:   "gpt-5",
			expectCap:     4,
			expectTimeout: 4 * time.Hour,
		},
		{
			name: "Project overrides global - project wins",
			global: `
pool:
  capacity: 8
agents:
  reviewer:
    provider: claude
    model: model-x
`,
			project: `
pool:
  capacity: 2
agents:
  reviewer:
    provider: claude
    model: model-y
`,
			expectAgents:  4,
			checkAgent:    "reviewer",
			expectProv:    "claude",
			expectModel:   "model-y",
			expectCap:     2,
			expectTimeout: 4 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath, projectPath := "", ""
			if tt.global != "" {
				globalPath = writeFile(t, dir, "global.yaml", tt.global)
			}
			if tt.project != "" {
				projectPath = writeFile(t, dir, "project.yaml", tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			require.NoError(t, err)

			assert.Len(t, cfg.Agents, tt.expectAgents)
			assert.Equal(t, tt.expectCap, cfg.Pool.Capacity)
			assert.Equal(t, tt.expectTimeout, cfg.QA.TaskTimeout)

			agent, ok := cfg.Agents[tt.checkAgent]
			require.True(t, ok, "agent %q", tt.checkAgent)
			assert.Equal(t, tt.expectProv, agent.Provider)
			assert.Equal(t, tt.expectModel, agent.Model)

			// Untouched keys keep their defaults.
			assert.Equal(t, 50, cfg.QA.MaxIterations)
			assert.Equal(t, "main", cfg.Worktree.BaseBranch)
		})
	}
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	project := writeFile(t, dir, "project.yaml", `
pool:
  capacity: 2
worktree:
  base_branch: develop
`)
	t.Setenv("CONDUCTOR_POOL_CAPACITY", "6")
	t.Setenv("CONDUCTOR_QA_MAX_ITERATIONS", "12")
	t.Setenv("CONDUCTOR_WORKTREE_SWEEP_INTERVAL", "30s")
	t.Setenv("CONDUCTOR_LOG_FORMAT", "json")

	cfg, err := Load("", project)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Pool.Capacity)
	assert.Equal(t, 12, cfg.QA.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Worktree.SweepInterval)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "develop", cfg.Worktree.BaseBranch)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"CONDUCTOR_POOL_CAPACITY":             "pool.capacity",
		"CONDUCTOR_QA_MAX_ITERATIONS":         "qa.max_iterations",
		"CONDUCTOR_STORE_PATH":                "store.path",
		"CONDUCTOR_METRICS":                   "metrics",
		"CONDUCTOR_WORKTREE_REPO_PATH":        "worktree.repo_path",
		"CONDUCTOR_PLANNING_MAX_TASK_MINUTES": "planning.max_task_minutes",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	globalPath := writeFile(t, dir, "global.yaml", "pool: [capacity\n")

	_, err := Load(globalPath, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global config")
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.yaml", "/nonexistent/project.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_InvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"zero capacity", "pool:\n  capacity: 0\n", "pool.capacity"},
		{"zero iterations", "qa:\n  max_iterations: 0\n", "qa.max_iterations"},
		{"unknown role", "agents:\n  designer:\n    provider: claude\n", "agents.designer"},
		{"unknown provider", "agents:\n  coder:\n    provider: goose\n", "unknown provider"},
		{"provider without command", "providers:\n  empty:\n    format: json\n", "providers.empty.command"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.content)
			_, err := Load(path, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["tester"] = AgentConfig{Provider: "claude", Model: "haiku", Tools: []string{"Bash"}}

	profiles, err := cfg.Profiles()
	require.NoError(t, err)
	assert.Len(t, profiles, len(worker.Roles()))
	assert.Equal(t, "haiku", profiles[worker.RoleTester].Model)
	assert.Equal(t, worker.DefaultProfiles()[worker.RoleReviewer].Model, profiles[worker.RoleReviewer].Model)

	cli, err := cfg.CLIConfig("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", cli.Command)
	assert.Equal(t, cfg.QA.WorkerTimeout, cli.Timeout, "provider timeout falls back to the QA worker timeout")

	_, err = cfg.CLIConfig("missing")
	assert.Error(t, err)

	limits := cfg.QA.Limits()
	assert.Equal(t, 50, limits.MaxIterations)
	assert.Equal(t, 3, limits.StuckThreshold)

	assert.Equal(t, worker.DefaultRetryConfig(), cfg.Retry.Backoff())
	assert.Equal(t, worker.DefaultBreakerSettings(), cfg.Retry.Breaker())
}
