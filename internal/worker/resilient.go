package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures exponential backoff for one exchange.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerSettings tunes the per-provider circuit breaker.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // trips after this many failures in a row
	OpenTimeout         time.Duration // how long the breaker stays open
	HalfOpenRequests    uint32
}

// DefaultBreakerSettings returns the default breaker settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second, HalfOpenRequests: 3}
}

// BreakerRegistry hands out one circuit breaker per provider.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	logger   *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry. logger may be nil.
func NewBreakerRegistry(settings BreakerSettings, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		settings: settings,
		logger:   logger.Named("breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for provider, creating it on first use.
func (r *BreakerRegistry) Get(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}

	threshold := r.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: r.settings.HalfOpenRequests,
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not a provider fault.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[provider] = cb
	return cb
}

// Resilient wraps a Worker with retries and a circuit breaker.
type Resilient struct {
	inner   Worker
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

// NewResilient wraps inner. The breaker is shared per provider through reg.
func NewResilient(inner Worker, provider string, reg *BreakerRegistry, retry RetryConfig) *Resilient {
	return &Resilient{inner: inner, breaker: reg.Get(provider), retry: retry}
}

// Invoke retries transient errors with exponential backoff. An open breaker
// and context cancellation stop retrying immediately.
func (r *Resilient) Invoke(ctx context.Context, req Request) (Response, error) {
	var resp Response

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := r.breaker.Execute(func() (interface{}, error) {
			return r.inner.Invoke(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(Response)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.MaxElapsedTime = r.retry.MaxElapsedTime
	policy.Multiplier = r.retry.Multiplier
	policy.RandomizationFactor = r.retry.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return resp, err
}

// State reports the breaker state, for status output.
func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}
