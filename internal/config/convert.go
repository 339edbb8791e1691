package config

import (
	"fmt"

	"github.com/aristath/conductor/internal/qa"
	"github.com/aristath/conductor/internal/worker"
)

// Profiles returns the agent profiles keyed by role.
func (c *Config) Profiles() (map[worker.Role]worker.Profile, error) {
	out := make(map[worker.Role]worker.Profile, len(c.Agents))
	for name, a := range c.Agents {
		role, err := worker.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("agents.%s: %w", name, err)
		}
		out[role] = worker.Profile{
			Provider:     a.Provider,
			Model:        a.Model,
			Temperature:  a.Temperature,
			Tools:        append([]string(nil), a.Tools...),
			SystemPrompt: a.SystemPrompt,
		}
	}
	return out, nil
}

// CLIConfig returns the launch settings for provider name.
func (c *Config) CLIConfig(name string) (worker.CLIConfig, error) {
	p, ok := c.Providers[name]
	if !ok {
		return worker.CLIConfig{}, fmt.Errorf("unknown provider %q", name)
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = c.QA.WorkerTimeout
	}
	return worker.CLIConfig{
		Provider: name,
		Command:  p.Command,
		Args:     append([]string(nil), p.Args...),
		Format:   p.Format,
		Timeout:  timeout,
	}, nil
}

// Limits returns the QA engine limits.
func (q QAConfig) Limits() qa.Config {
	return qa.Config{
		MaxIterations:  q.MaxIterations,
		TaskTimeout:    q.TaskTimeout,
		WorkerTimeout:  q.WorkerTimeout,
		MaxExchanges:   q.MaxExchanges,
		StuckThreshold: q.StuckThreshold,
	}
}

// Backoff returns the worker retry policy.
func (r RetryConfig) Backoff() worker.RetryConfig {
	return worker.RetryConfig{
		InitialInterval:     r.InitialInterval,
		MaxInterval:         r.MaxInterval,
		MaxElapsedTime:      r.MaxElapsedTime,
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
	}
}

// Breaker returns the circuit breaker settings.
func (r RetryConfig) Breaker() worker.BreakerSettings {
	return worker.BreakerSettings{
		ConsecutiveFailures: r.BreakerFailures,
		OpenTimeout:         r.BreakerOpenTimeout,
		HalfOpenRequests:    r.BreakerHalfOpen,
	}
}
