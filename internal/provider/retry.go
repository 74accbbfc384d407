package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/metrics"
)

// Policy bounds retries of transient provider failures. The delay before
// attempt n+1 is BaseDelay * 2^(n-1).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Timer replaces the wall-clock timer between attempts; nil uses a real one
	Timer backoff.Timer
}

// DefaultPolicy retries three times starting at one second
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Delay returns the wait before the given retry (1-based attempt that just failed)
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<uint(attempt-1))
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backOff builds a deterministic doubling schedule capped at MaxAttempts-1 retries
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = p.Delay(p.attempts())
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.attempts()-1)), ctx)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or attempts run out
func (p Policy) Do(ctx context.Context, providerName, operation string, fn func(ctx context.Context) error) error {
	var (
		attempt int
		lastErr error
	)

	op := func() error {
		attempt++
		start := time.Now()
		err := fn(ctx)
		lastErr = err
		if err == nil {
			metrics.ObserveProviderCall(providerName, operation, "ok", time.Since(start))
			return nil
		}

		var pae *apperror.ProviderAPIError
		if !errors.As(err, &pae) {
			metrics.ObserveProviderCall(providerName, operation, "error", time.Since(start))
			return backoff.Permanent(err)
		}
		metrics.ObserveProviderCall(providerName, operation, string(pae.Kind), time.Since(start))
		if !pae.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		logger.WithFields(map[string]interface{}{
			"provider":  providerName,
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.String(),
			"error":     err.Error(),
		}).Warn("Transient provider error, retrying")
	}

	err := backoff.RetryNotifyWithTimer(op, p.backOff(ctx), notify, p.Timer)
	if err != nil && lastErr != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// report the provider failure rather than the cancellation that cut the wait short
		return lastErr
	}
	return err
}
