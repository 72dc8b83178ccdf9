package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "helpdesk_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helpdesk_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryPolicy describes how a single operation is retried.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first one.
	// Zero means retry until success or context cancellation.
	MaxAttempts int

	// RateLimitBackoff is the fixed wait after a 429 response. A larger
	// Retry-After from the server wins.
	RateLimitBackoff time.Duration

	// InitialBackoff is the first wait for non rate-limit errors.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter is the +/- fraction applied to exponential waits. Rate limit
	// waits are never jittered below RateLimitBackoff.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used for record enrichment.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       10,
		RateLimitBackoff:  10 * time.Second,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// Retryable reports whether err is worth another attempt. Client errors
// other than 429 and shape errors are permanent; everything else, including
// unclassified errors, is retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.Kind {
	case KindShape:
		return false
	case KindFormat:
		return true
	}
	if apiErr.Class == "" {
		return true
	}
	return shouldRetry(apiErr.Class)
}

// Delay returns the wait before the next attempt after attempt (1-based)
// failed with err.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	if IsRateLimited(err) {
		wait := p.RateLimitBackoff
		if ra := RetryAfter(err); ra > wait {
			wait = ra
		}
		return wait
	}

	backoff := p.InitialBackoff
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if p.MaxBackoff > 0 && backoff >= p.MaxBackoff {
			backoff = p.MaxBackoff
			break
		}
	}

	if p.Jitter > 0 {
		backoff = time.Duration(float64(backoff) * (1 - p.Jitter + rand.Float64()*2*p.Jitter))
	}
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Do runs fn until it succeeds, returns a permanent error, the attempt
// budget is spent, or ctx is done. fn receives the 1-based attempt number.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			break
		}

		class := errorClassLabel(err)
		wait := p.Delay(attempt, err)
		retriesTotal.WithLabelValues(class).Inc()
		retryBackoffSeconds.WithLabelValues(class).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", class).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	class := errorClassLabel(lastErr)
	retryExhaustedTotal.WithLabelValues(class).Inc()
	logger.Error().
		Err(lastErr).
		Str("error_class", class).
		Int("max_attempts", p.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.MaxAttempts, lastErr)
}

func errorClassLabel(err error) string {
	if class := ClassOf(err); class != "" {
		return string(class)
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return string(apiErr.Kind)
	}
	return "unknown"
}
