package config

import (
	"time"

	"github.com/aristath/conductor/internal/worker"
)

// DefaultConfig returns the default configuration with the built-in provider,
// one agent profile per role, and Go build/test gates.
func DefaultConfig() *Config {
	retry := worker.DefaultRetryConfig()
	breaker := worker.DefaultBreakerSettings()

	agents := make(map[string]AgentConfig)
	for role, p := range worker.DefaultProfiles() {
		agents[role.String()] = AgentConfig{
			Provider:     p.Provider,
			Model:        p.Model,
			Temperature:  p.Temperature,
			Tools:        append([]string(nil), p.Tools...),
			SystemPrompt: p.SystemPrompt,
		}
	}

	return &Config{
		Pool: PoolConfig{Capacity: 4},
		QA: QAConfig{
			MaxIterations:  50,
			TaskTimeout:    4 * time.Hour,
			WorkerTimeout:  20 * time.Minute,
			MaxExchanges:   5,
			StuckThreshold: 3,
		},
		Planning:   PlanningConfig{MaxTaskMinutes: 30},
		Checkpoint: CheckpointConfig{Interval: 2 * time.Hour},
		Worktree: WorktreeConfig{
			RepoPath:      ".",
			BaseBranch:    "main",
			Dir:           ".worktrees",
			SweepInterval: 5 * time.Minute,
		},
		Store: StoreConfig{Path: ".conductor/state.db"},
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Format:  worker.FormatClaude,
			},
		},
		Agents: agents,
		Gates: GatesConfig{
			Build:  GateConfig{Command: "go", Args: []string{"build", "./..."}, Timeout: 10 * time.Minute},
			Test:   GateConfig{Command: "go", Args: []string{"test", "./..."}, Timeout: 30 * time.Minute},
			Review: ReviewGateConfig{Enabled: true},
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Retry: RetryConfig{
			InitialInterval:     retry.InitialInterval,
			MaxInterval:         retry.MaxInterval,
			MaxElapsedTime:      retry.MaxElapsedTime,
			Multiplier:          retry.Multiplier,
			RandomizationFactor: retry.RandomizationFactor,
			BreakerFailures:     breaker.ConsecutiveFailures,
			BreakerOpenTimeout:  breaker.OpenTimeout,
			BreakerHalfOpen:     breaker.HalfOpenRequests,
		},
	}
}
