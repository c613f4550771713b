// Package policy wraps stage adapters with bounded retries and a shared
// circuit breaker per external dependency.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/medscan/medscan/internal/pipeline"
)

// ErrBreakerOpen is returned inside failure details when a call is
// short-circuited without reaching the dependency.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Config holds retry and breaker parameters for one wrapped adapter.
type Config struct {
	MaxAttempts       uint          `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	FailureThreshold  int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
}

// DefaultConfig returns the standard policy parameters.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          60 * time.Second,
		FailureThreshold:  5,
		RecoveryTimeout:   300 * time.Second,
	}
}

// normalize fills zero values with defaults so partial config overrides
// keep sane behavior.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	return c
}

// Policy wraps a StageAdapter with retry and circuit breaking. It
// implements StageAdapter itself so the coordinator sees one contract.
type Policy struct {
	inner   pipeline.StageAdapter
	cfg     Config
	breaker *Breaker
	logger  *slog.Logger
}

// Wrap builds a policy around an adapter. The breaker it creates is
// shared across every job that runs this stage.
func Wrap(inner pipeline.StageAdapter, cfg Config, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalize()
	return &Policy{
		inner:   inner,
		cfg:     cfg,
		breaker: NewBreaker(cfg.FailureThreshold, cfg.RecoveryTimeout),
		logger:  logger.With("stage", inner.Stage()),
	}
}

// Stage returns the wrapped adapter's stage name.
func (p *Policy) Stage() pipeline.StageName {
	return p.inner.Stage()
}

// Breaker exposes the shared breaker for operator visibility.
func (p *Policy) Breaker() *Breaker {
	return p.breaker
}

// Invoke runs the wrapped adapter under the retry/breaker algorithm.
// When the breaker is open the dependency is not called at all and the
// outcome is an immediate DependencyUnavailable failure.
func (p *Policy) Invoke(ctx context.Context, job *pipeline.Job, payload string) pipeline.StageOutcome {
	if !p.breaker.Allow() {
		p.logger.Warn("call short-circuited", "job_id", job.ID)
		return pipeline.Failure(pipeline.FailDependencyUnavailable,
			fmt.Sprintf("%v: %s dependency marked unhealthy", ErrBreakerOpen, p.inner.Stage()))
	}

	var outcome pipeline.StageOutcome
	err := retry.Do(
		func() error {
			outcome = p.inner.Invoke(ctx, job, payload)
			if outcome.Result != nil {
				p.breaker.RecordSuccess()
				return nil
			}
			if outcome.Retryable() {
				p.breaker.RecordFailure()
				return fmt.Errorf("%s: %s", outcome.Fault.Kind, outcome.Fault.Detail)
			}
			return retry.Unrecoverable(fmt.Errorf("%s: %s", outcome.Fault.Kind, outcome.Fault.Detail))
		},
		retry.Context(ctx),
		retry.Attempts(p.cfg.MaxAttempts),
		retry.DelayType(p.backoffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			p.logger.Warn("stage attempt failed, retrying",
				"job_id", job.ID, "attempt", attempt+1, "error", err)
		}),
	)
	if err != nil && outcome.Fault == nil {
		// Context cancelled before the first attempt completed.
		outcome = pipeline.Failure(pipeline.FailTimeout, err.Error())
	}
	return outcome
}

// backoffDelay implements min(initialDelay * multiplier^(attempt), maxDelay).
func (p *Policy) backoffDelay(n uint, _ error, _ *retry.Config) time.Duration {
	delay := time.Duration(float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(n)))
	if delay > p.cfg.MaxDelay || delay <= 0 {
		delay = p.cfg.MaxDelay
	}
	return delay
}
