// Package connwatch waits for an external dependency to become
// reachable, probing it with exponential backoff.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second transient dial errors. connwatch covers multi-second
// outages such as a local model server that is still starting.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the second attempt (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxAttempts is the number of probes before giving up (default: 5).
	MaxAttempts int

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns a schedule of 1s, 2s, 4s, 8s between
// five attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields with the defaults.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config describes one dependency to wait for.
type Config struct {
	// Name identifies the service in logs (e.g., "ollama").
	Name string

	// Probe checks service health.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// UnreachableError is returned when every probe attempt failed.
type UnreachableError struct {
	Service  string
	Attempts int
	Err      error // last probe error
}

// Error implements the error interface.
func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s unreachable after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

// Unwrap returns the last probe error.
func (e *UnreachableError) Unwrap() error { return e.Err }

// WaitReady probes the service until it answers, the attempts run out
// or ctx ends. It returns nil once a probe succeeds, an
// *UnreachableError when attempts are exhausted, and ctx.Err() when
// cancelled.
func WaitReady(ctx context.Context, cfg Config) error {
	if cfg.Probe == nil {
		return errors.New("connwatch: Config.Probe must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := cfg.Backoff.withDefaults()

	delay := b.InitialDelay
	for attempt := 1; ; attempt++ {
		err := probe(ctx, cfg.Probe, b.ProbeTimeout)
		if err == nil {
			logger.Info("service ready", "service", cfg.Name, "attempts", attempt)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if attempt >= b.MaxAttempts {
			return &UnreachableError{Service: cfg.Name, Attempts: attempt, Err: err}
		}

		logger.Warn("service not ready, retrying",
			"service", cfg.Name,
			"attempt", attempt,
			"max_attempts", b.MaxAttempts,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
	}
}

// probe calls fn with a timeout.
func probe(ctx context.Context, fn ProbeFunc, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
