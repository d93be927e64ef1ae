package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastPolicy retries quickly so tests don't wait on real backoffs.
func fastPolicy(attempts int) RetryPolicy {
	return func(kind ErrorKind) RetryConfig {
		return RetryConfig{
			MaxAttempts:       attempts,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		}
	}
}

func serverError() error {
	return &FetchError{Kind: KindFetchFailed, Resource: "patients", StatusCode: 503}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts=3, got %d", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("Expected InitialBackoff=1s, got %v", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("Expected MaxBackoff=30s, got %v", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("Expected BackoffMultiplier=2.0, got %f", config.BackoffMultiplier)
	}
}

func TestRetryConfigForKind(t *testing.T) {
	tests := []struct {
		kind           ErrorKind
		initialBackoff time.Duration
		maxBackoff     time.Duration
	}{
		{KindFetchFailed, 1 * time.Second, 10 * time.Second},
		{KindRateLimited, 5 * time.Second, 60 * time.Second},
		{KindNetworkUnavailable, 2 * time.Second, 30 * time.Second},
		{KindDecodeFailed, 1 * time.Second, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			config := RetryConfigForKind(tt.kind)
			if config.InitialBackoff != tt.initialBackoff {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.initialBackoff)
			}
			if config.MaxBackoff != tt.maxBackoff {
				t.Errorf("MaxBackoff = %v, want %v", config.MaxBackoff, tt.maxBackoff)
			}
		})
	}
}

func TestRetry_Success(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetry_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		callCount++
		if callCount < 3 {
			return serverError()
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestRetry_MaxAttemptsExhausted(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		callCount++
		return serverError()
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("Expected last error to stay in the chain, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (MaxAttempts), got %d", callCount)
	}
}

func TestRetry_ClientErrorNoRetry(t *testing.T) {
	callCount := 0
	notFound := &FetchError{Kind: KindFetchFailed, Resource: "tags", StatusCode: 404}
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		callCount++
		return notFound
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for client errors), got %d", callCount)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("Should not return ErrRetryExhausted when no retry was attempted")
	}
	if !errors.Is(err, notFound) {
		t.Errorf("Expected original error, got %v", err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	policy := func(kind ErrorKind) RetryConfig {
		return RetryConfig{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffMultiplier: 1}
	}
	err := Retry(ctx, policy, func(ctx context.Context) error {
		callCount++
		cancel()
		return serverError()
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}

func TestBackoffFor_Exponential(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
	}

	for _, tt := range tests {
		wait := backoffFor(config, tt.attempt, 0)
		low := time.Duration(float64(tt.base) * 0.8)
		high := time.Duration(float64(tt.base) * 1.2)
		if wait < low || wait > high {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", tt.attempt, wait, low, high)
		}
	}
}

func TestBackoffFor_MaxBackoffCap(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    time.Second,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 10.0,
	}

	for attempt := 1; attempt <= 5; attempt++ {
		if wait := backoffFor(config, attempt, 0); wait > config.MaxBackoff {
			t.Errorf("attempt %d: backoff %v exceeds MaxBackoff %v", attempt, wait, config.MaxBackoff)
		}
	}
}

func TestBackoffFor_RetryAfter(t *testing.T) {
	config := RetryConfigForKind(KindRateLimited)

	if wait := backoffFor(config, 1, 20*time.Second); wait != 20*time.Second {
		t.Errorf("backoff = %v, want the server's 20s", wait)
	}
	if wait := backoffFor(config, 1, 5*time.Minute); wait != config.MaxBackoff {
		t.Errorf("backoff = %v, want MaxBackoff %v", wait, config.MaxBackoff)
	}
}

func TestBackoffFor_Jitter(t *testing.T) {
	config := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2}

	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		seen[backoffFor(config, 1, 0)] = true
	}
	if len(seen) < 2 {
		t.Error("Expected jitter to vary the backoff")
	}
}
