package config

import "time"

// ProviderConfig defines how to launch a worker CLI.
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command string        `koanf:"command" yaml:"command"`           // CLI binary name (e.g., "claude")
	Args    []string      `koanf:"args" yaml:"args,omitempty"`       // Default args prepended to every invocation
	Format  string        `koanf:"format" yaml:"format,omitempty"`   // "claude" envelope or plain "json"
	Timeout time.Duration `koanf:"timeout" yaml:"timeout,omitempty"` // per exchange; 0 uses qa.worker_timeout
}

// AgentConfig is the profile for one role. The map key is the role name.
type AgentConfig struct {
	Provider     string   `koanf:"provider" yaml:"provider"`     // Key into Providers map
	Model        string   `koanf:"model" yaml:"model,omitempty"` // Model override (e.g., "opus")
	Temperature  float64  `koanf:"temperature" yaml:"temperature"`
	Tools        []string `koanf:"tools" yaml:"tools,omitempty"`                 // Allowed tools for this role
	SystemPrompt string   `koanf:"system_prompt" yaml:"system_prompt,omitempty"` // Role-specific system prompt
}

// PoolConfig bounds concurrency.
type PoolConfig struct {
	Capacity int `koanf:"capacity" yaml:"capacity"`
}

// QAConfig bounds one task's QA loop.
type QAConfig struct {
	MaxIterations  int           `koanf:"max_iterations" yaml:"max_iterations"`
	TaskTimeout    time.Duration `koanf:"task_timeout" yaml:"task_timeout"`
	WorkerTimeout  time.Duration `koanf:"worker_timeout" yaml:"worker_timeout"`
	MaxExchanges   int           `koanf:"max_exchanges" yaml:"max_exchanges"`
	StuckThreshold int           `koanf:"stuck_threshold" yaml:"stuck_threshold"`
}

// PlanningConfig constrains goal decomposition.
type PlanningConfig struct {
	MaxTaskMinutes int `koanf:"max_task_minutes" yaml:"max_task_minutes"`
}

// CheckpointConfig controls automatic checkpoints.
type CheckpointConfig struct {
	Interval time.Duration `koanf:"interval" yaml:"interval"` // negative disables scheduled checkpoints
}

// WorktreeConfig locates the repository and its task worktrees.
type WorktreeConfig struct {
	RepoPath      string        `koanf:"repo_path" yaml:"repo_path"`
	BaseBranch    string        `koanf:"base_branch" yaml:"base_branch"`
	Dir           string        `koanf:"dir" yaml:"dir"`
	SweepInterval time.Duration `koanf:"sweep_interval" yaml:"sweep_interval"`
	AuthorName    string        `koanf:"author_name" yaml:"author_name,omitempty"`
	AuthorEmail   string        `koanf:"author_email" yaml:"author_email,omitempty"`
}

// StoreConfig locates the state database.
type StoreConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// GateConfig is a command gate. An empty command disables the gate.
type GateConfig struct {
	Command string        `koanf:"command" yaml:"command,omitempty"`
	Args    []string      `koanf:"args" yaml:"args,omitempty"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout,omitempty"`
}

// ReviewGateConfig toggles the reviewer-agent gate.
type ReviewGateConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

// GatesConfig lists the quality gates run after each iteration.
type GatesConfig struct {
	Build  GateConfig       `koanf:"build" yaml:"build"`
	Lint   GateConfig       `koanf:"lint" yaml:"lint"`
	Test   GateConfig       `koanf:"test" yaml:"test"`
	Review ReviewGateConfig `koanf:"review" yaml:"review"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // "console" or "json"
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr,omitempty"` // empty disables the endpoint
}

// RetryConfig tunes worker retries and the per-provider circuit breaker.
type RetryConfig struct {
	InitialInterval     time.Duration `koanf:"initial_interval" yaml:"initial_interval"`
	MaxInterval         time.Duration `koanf:"max_interval" yaml:"max_interval"`
	MaxElapsedTime      time.Duration `koanf:"max_elapsed_time" yaml:"max_elapsed_time"`
	Multiplier          float64       `koanf:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `koanf:"randomization_factor" yaml:"randomization_factor"`
	BreakerFailures     uint32        `koanf:"breaker_failures" yaml:"breaker_failures"`
	BreakerOpenTimeout  time.Duration `koanf:"breaker_open_timeout" yaml:"breaker_open_timeout"`
	BreakerHalfOpen     uint32        `koanf:"breaker_half_open" yaml:"breaker_half_open"`
}

// Config is the top-level configuration.
type Config struct {
	Pool       PoolConfig                `koanf:"pool" yaml:"pool"`
	QA         QAConfig                  `koanf:"qa" yaml:"qa"`
	Planning   PlanningConfig            `koanf:"planning" yaml:"planning"`
	Checkpoint CheckpointConfig          `koanf:"checkpoint" yaml:"checkpoint"`
	Worktree   WorktreeConfig            `koanf:"worktree" yaml:"worktree"`
	Store      StoreConfig               `koanf:"store" yaml:"store"`
	Providers  map[string]ProviderConfig `koanf:"providers" yaml:"providers"`
	Agents     map[string]AgentConfig    `koanf:"agents" yaml:"agents"`
	Gates      GatesConfig               `koanf:"gates" yaml:"gates"`
	Log        LogConfig                 `koanf:"log" yaml:"log"`
	Metrics    MetricsConfig             `koanf:"metrics" yaml:"metrics"`
	Retry      RetryConfig               `koanf:"retry" yaml:"retry"`
}
