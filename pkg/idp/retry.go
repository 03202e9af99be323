package idp

import (
	"context"
	"errors"
	"math"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/observability"
)

// RetryConfig configures retry behavior for admin calls.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns 3 retries at 1s, 2s and 4s, capped at 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// NoSleep returns immediately. Used by tests.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier runs identity provider calls with bounded retries on transient faults.
type Retrier struct {
	config  RetryConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	sleep   Sleeper
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithSleeper replaces the backoff sleep.
func WithSleeper(sleep Sleeper) RetryOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithRetryMetrics counts retries per operation.
func WithRetryMetrics(metrics *observability.Metrics) RetryOption {
	return func(r *Retrier) { r.metrics = metrics }
}

// NewRetrier creates a Retrier.
func NewRetrier(config RetryConfig, logger *observability.Logger, opts ...RetryOption) *Retrier {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &Retrier{
		config: config,
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Delay returns the backoff before the given retry (1-based).
func (r *Retrier) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(retry-1))
	if r.config.MaxDelay > 0 && delay > float64(r.config.MaxDelay) {
		return r.config.MaxDelay
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, fails permanently, or retries are exhausted.
// The returned error always carries an *identity.IdentityProviderError, except
// for sentinel lookups fn chooses to return unchanged.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= r.config.MaxRetries {
			break
		}

		delay := r.Delay(attempt + 1)
		r.logger.WithFields(map[string]interface{}{
			"operation":   operation,
			"attempt":     attempt + 1,
			"max_retries": r.config.MaxRetries,
			"delay":       delay.String(),
			"status_code": identity.StatusCode(err),
		}).WithError(err).Warn("Retrying identity provider call")
		r.metrics.IncRetry(operation)

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return asProviderError(operation, err)
		}
	}
	return asProviderError(operation, err)
}

// IsTransient reports whether err is worth retrying: 5xx, 429, connection refused or a timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var idpErr *identity.IdentityProviderError
	if errors.As(err, &idpErr) && idpErr.StatusCode != 0 {
		return idpErr.Transient()
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func asProviderError(operation string, err error) error {
	var idpErr *identity.IdentityProviderError
	if errors.As(err, &idpErr) {
		return err
	}
	if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrInvalidRole) || errors.Is(err, identity.ErrAlreadyExists) {
		return err
	}
	return &identity.IdentityProviderError{Operation: operation, Err: err}
}
