package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/docforge-labs/docengine/engine/logging"
)

// ErrCircuitOpen is returned when the breaker rejects a call and no
// fallback is configured.
var ErrCircuitOpen = errors.New("processor circuit open")

// ResilientConfig tunes the retry, breaker and fallback behavior.
type ResilientConfig struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the exponential delay between
	// attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// AttemptTimeout bounds each individual attempt. Zero inherits the
	// caller's context deadline.
	AttemptTimeout time.Duration

	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenProbes is how many trial calls the half-open circuit allows.
	HalfOpenProbes int
}

// DefaultResilientConfig returns the engine defaults: three retries with
// 500ms-8s exponential backoff, a five-failure breaker recovering after
// thirty seconds.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:       3,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       8 * time.Second,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Resilient wraps a processor with retries, a circuit breaker and an
// optional fallback processor. All non-Process methods delegate to the
// wrapped processor.
type Resilient struct {
	inner    Processor
	fallback Processor
	cfg      ResilientConfig
	breaker  *gobreaker.CircuitBreaker
	logger   logging.Logger
}

// NewResilient wraps inner. fallback may be nil.
func NewResilient(inner Processor, fallback Processor, cfg ResilientConfig, logger logging.Logger) *Resilient {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}

	r := &Resilient{inner: inner, fallback: fallback, cfg: cfg, logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Metadata().Name,
		MaxRequests: uint32(cfg.HalfOpenProbes),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("processor_circuit_state_changed",
				"processor", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return r
}

// Metadata implements Processor.
func (r *Resilient) Metadata() Metadata { return r.inner.Metadata() }

// Initialize implements Processor. The fallback is initialized too so it
// is ready the moment the primary degrades.
func (r *Resilient) Initialize(ctx context.Context) error {
	if err := r.inner.Initialize(ctx); err != nil {
		return err
	}
	if r.fallback != nil {
		return r.fallback.Initialize(ctx)
	}
	return nil
}

// Validate implements Processor.
func (r *Resilient) Validate(ctx context.Context, pctx *Context) []error {
	return r.inner.Validate(ctx, pctx)
}

// Process implements Processor: retries with exponential backoff through
// the circuit breaker, then falls back when the primary is exhausted or
// the circuit is open.
func (r *Resilient) Process(ctx context.Context, pctx *Context) (*Result, error) {
	name := r.inner.Metadata().Name

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	attempts := r.cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := r.attempt(ctx, pctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.logger.Warn("processor_circuit_rejected", "processor", name, "stage", pctx.StageName)
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt == attempts {
			break
		}

		delay := bo.NextBackOff()
		r.logger.Warn("processor_attempt_failed",
			"processor", name,
			"stage", pctx.StageName,
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", delay.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if r.fallback != nil {
		r.logger.Warn("processor_fallback_engaged",
			"processor", name,
			"fallback", r.fallback.Metadata().Name,
			"stage", pctx.StageName,
			"error", lastErr.Error(),
		)
		result, err := r.fallback.Process(ctx, pctx)
		if err != nil {
			return nil, fmt.Errorf("fallback %s after primary failure (%v): %w",
				r.fallback.Metadata().Name, lastErr, err)
		}
		if result.Metadata == nil {
			result.Metadata = map[string]any{}
		}
		result.Metadata["fallback_used"] = true
		result.Metadata["primary_error"] = lastErr.Error()
		return result, nil
	}

	if errors.Is(lastErr, gobreaker.ErrOpenState) || errors.Is(lastErr, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}
	return nil, &ProcessError{Name: name, Stage: pctx.StageName, Cause: lastErr}
}

// attempt runs one breaker-guarded call with the per-attempt timeout.
func (r *Resilient) attempt(ctx context.Context, pctx *Context) (*Result, error) {
	out, err := r.breaker.Execute(func() (any, error) {
		attemptCtx := ctx
		if r.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
			defer cancel()
		}
		res, err := r.inner.Process(attemptCtx, pctx)
		if err != nil {
			return nil, err
		}
		if res != nil && res.Status == StatusFailed {
			return nil, fmt.Errorf("processor reported failure: %v", res.Errors)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

// Cleanup implements Processor.
func (r *Resilient) Cleanup(ctx context.Context) error {
	err := r.inner.Cleanup(ctx)
	if r.fallback != nil {
		if ferr := r.fallback.Cleanup(ctx); err == nil {
			err = ferr
		}
	}
	return err
}

// HealthCheck implements Processor, annotating the inner report with the
// breaker state.
func (r *Resilient) HealthCheck(ctx context.Context) Health {
	health := r.inner.HealthCheck(ctx)
	if health.Metrics == nil {
		health.Metrics = map[string]any{}
	}
	state := r.breaker.State()
	health.Metrics["circuit_state"] = state.String()
	if state == gobreaker.StateOpen {
		health.Healthy = false
		if health.Detail == "" {
			health.Detail = "circuit open"
		}
	}
	return health
}

// CircuitState exposes the breaker state for diagnostics.
func (r *Resilient) CircuitState() gobreaker.State {
	return r.breaker.State()
}
