package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "helpdesk_rate_limit_remaining",
		Help: "Requests remaining in the current helpdesk rate limit window",
	})

	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helpdesk_rate_limit_cooldowns_total",
		Help: "Total number of 429 responses that started a shared cooldown",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helpdesk_rate_limit_throttles_total",
		Help: "Total number of requests delayed because the remaining quota was low",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "helpdesk_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for a cooldown to pass",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// Tracker gates requests on the shared rate limit state.
type Tracker struct {
	store  Store
	logger zerolog.Logger

	// mu serialises read-modify-write of the store within this process.
	mu  sync.Mutex
	now func() time.Time
}

// NewTracker creates a new rate limit tracker. A nil store means in-memory.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Wait blocks until a request may be sent: it sits out any active cooldown
// and pauses briefly when the remaining quota is low. A low quota from an
// earlier window, such as one left in Redis by a previous run, is ignored.
// Store failures are logged and do not block the request.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.store.Load(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable, sending request")
		return nil
	}

	now := t.now()
	wait := state.CooldownRemaining(now)
	if wait == 0 && state.NeedsThrottling() && !state.IsStale(now, QuotaWindow) {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate limit quota low - throttling request")
		rateLimitThrottlesTotal.Inc()
		wait = ThrottleDelay
	}
	if wait == 0 {
		return nil
	}

	t.logger.Debug().Dur("wait", wait).Msg("Waiting for rate limit cooldown")
	rateLimitWaitSeconds.Observe(wait.Seconds())

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observe records the rate limit headers of a response. For a 429 with a
// Retry-After header a shared cooldown is started. It returns the parsed
// Retry-After duration (0 when absent).
func (t *Tracker) Observe(ctx context.Context, status int, headers http.Header) (time.Duration, error) {
	now := t.now()
	update := State{LastUpdate: now}

	if v := headers.Get("X-Rate-Limit-Remaining"); v != "" {
		if remaining, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			update.Remaining = remaining
			update.QuotaKnown = true
			if limit, err := strconv.Atoi(strings.TrimSpace(headers.Get("X-Rate-Limit"))); err == nil {
				update.Limit = limit
			}
		}
	}

	retryAfter := ParseRetryAfter(headers.Get("Retry-After"), now)
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		update.CooldownUntil = now.Add(retryAfter)
	}

	if !update.QuotaKnown && update.CooldownUntil.IsZero() {
		return retryAfter, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current, err := t.store.Load(ctx)
	if err != nil {
		return retryAfter, err
	}
	merged := current.Merge(update)
	if err := t.store.Save(ctx, merged); err != nil {
		return retryAfter, err
	}

	if update.QuotaKnown {
		rateLimitRemaining.Set(float64(update.Remaining))
	}
	if !update.CooldownUntil.IsZero() {
		rateLimitCooldownsTotal.Inc()
		t.logger.Warn().
			Dur("retry_after", retryAfter).
			Time("cooldown_until", merged.CooldownUntil).
			Msg("Rate limited by helpdesk API - cooling down")
	} else {
		t.logger.Debug().
			Int("remaining", merged.Remaining).
			Int("limit", merged.Limit).
			Msg("Rate limit state updated")
	}

	return retryAfter, nil
}

// ParseRetryAfter parses a Retry-After value given either as delay seconds
// or as an HTTP date. Invalid or past values yield 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
