package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/emr-records-client/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emr_rate_limited_total",
		Help: "Total number of rate limited API responses recorded",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emr_rate_limit_blocks_total",
		Help: "Total number of requests held back during rate limit back-off",
	})

	rateLimitBackoffSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emr_rate_limit_backoff_seconds",
		Help: "Length of the current rate limit back-off in seconds",
	})
)

// Config holds the tracker configuration.
type Config struct {
	// InitialBackoff is the back-off after the first 429 without Retry-After.
	InitialBackoff time.Duration

	// MaxBackoff caps the back-off.
	MaxBackoff time.Duration

	// ResetWindow is how long the consecutive count survives without a new 429.
	ResetWindow time.Duration

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		ResetWindow:    5 * time.Minute,
	}
}

// Tracker records rate limited responses and gates requests.
// With a Redis client the state is shared between processes; otherwise it
// lives in memory.
type Tracker struct {
	redis  redis.UniversalClient
	logger zerolog.Logger
	config Config

	mu    sync.Mutex
	local State
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient redis.UniversalClient, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = DefaultConfig().ResetWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		config: cfg,
	}
}

// GetState retrieves the current back-off state.
// Returns a healthy state if nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		// Same lifetime as the Redis keys, which expire after ResetWindow.
		if !t.local.LastUpdate.IsZero() && t.config.Now().Sub(t.local.LastUpdate) > t.config.ResetWindow {
			t.local = State{}
		}
		state := t.local
		return &state, nil
	}

	blockedUntil, err := t.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get blocked until: %w", err)
	}

	consecutive, err := t.redis.Get(ctx, RedisKeyConsecutive).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get consecutive: %w", err)
	}

	lastUpdate, err := t.redis.Get(ctx, RedisKeyLastUpdate).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	state := &State{Consecutive: consecutive}
	if blockedUntil > 0 {
		state.BlockedUntil = time.UnixMilli(blockedUntil)
	}
	if lastUpdate > 0 {
		state.LastUpdate = time.UnixMilli(lastUpdate)
	}
	return state, nil
}

// ShouldAllowRequest reports whether a request may be sent now.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	remaining, err := t.Backoff(ctx)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

// Backoff returns how long requests are still held back (0 when allowed).
func (t *Tracker) Backoff(ctx context.Context) (time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return 0, err
	}

	now := t.config.Now()
	if !state.IsBlocked(now) {
		return 0, nil
	}

	rateLimitBlocksTotal.Inc()
	remaining := state.TimeUntilReset(now)
	t.logger.Debug().
		Dur("remaining", remaining).
		Int("consecutive", state.Consecutive).
		Msg("Request held back by rate limit back-off")
	return remaining, nil
}

// RecordRateLimited starts a back-off after a 429. A positive retryAfter
// from the server wins over the computed back-off.
func (t *Tracker) RecordRateLimited(ctx context.Context, retryAfter time.Duration) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}

	now := t.config.Now()
	state.Consecutive++
	wait := retryAfter
	if wait <= 0 {
		wait = t.backoff(state.Consecutive)
	}
	state.BlockedUntil = now.Add(wait)
	state.LastUpdate = now

	if err := t.save(ctx, state); err != nil {
		return err
	}

	rateLimitedTotal.Inc()
	rateLimitBackoffSeconds.Set(wait.Seconds())

	t.logger.Warn().
		Int("consecutive", state.Consecutive).
		Dur("backoff", wait).
		Time("blocked_until", state.BlockedUntil).
		Msg("API rate limit hit - holding back requests")

	return nil
}

// RecordSuccess clears the back-off after a successful request.
func (t *Tracker) RecordSuccess(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	if state.IsHealthy() && state.BlockedUntil.IsZero() {
		return nil
	}

	if err := t.save(ctx, &State{LastUpdate: t.config.Now()}); err != nil {
		return err
	}

	rateLimitBackoffSeconds.Set(0)
	t.logger.Info().Msg("API rate limit back-off cleared")
	return nil
}

// Observe records the outcome of a request: RateLimited errors start a
// back-off, successes clear it, other errors leave it unchanged.
func (t *Tracker) Observe(ctx context.Context, outcome error) error {
	switch {
	case outcome == nil:
		return t.RecordSuccess(ctx)
	case client.KindOf(outcome) == client.KindRateLimited:
		return t.RecordRateLimited(ctx, client.RetryAfterOf(outcome))
	default:
		return nil
	}
}

// backoff returns InitialBackoff doubled per consecutive 429, capped at MaxBackoff.
func (t *Tracker) backoff(consecutive int) time.Duration {
	wait := t.config.InitialBackoff
	for i := 1; i < consecutive; i++ {
		wait *= 2
		if wait >= t.config.MaxBackoff {
			return t.config.MaxBackoff
		}
	}
	return wait
}

func (t *Tracker) save(ctx context.Context, state *State) error {
	if t.redis == nil {
		t.mu.Lock()
		t.local = *state
		t.mu.Unlock()
		return nil
	}

	var blockedUntil int64
	if !state.BlockedUntil.IsZero() {
		blockedUntil = state.BlockedUntil.UnixMilli()
	}

	// Store in Redis atomically
	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyBlockedUntil, blockedUntil, t.config.ResetWindow)
	pipe.Set(ctx, RedisKeyConsecutive, state.Consecutive, t.config.ResetWindow)
	pipe.Set(ctx, RedisKeyLastUpdate, state.LastUpdate.UnixMilli(), t.config.ResetWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	return nil
}
