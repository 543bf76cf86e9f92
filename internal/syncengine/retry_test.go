package syncengine

import (
	"testing"
	"time"
)

func TestRetryDelayNeverShrinks(t *testing.T) {
	for _, fraction := range []float64{0, 0.25, 0.5, 0.999} {
		fraction := fraction
		policy := RetryPolicy{MaxAttempts: 12, Base: 30 * time.Second, Cap: time.Hour, Jitter: func() float64 { return fraction }}
		var previous time.Duration
		for attempt := 1; attempt <= 12; attempt++ {
			delay := policy.Delay(attempt, 0)
			if delay < previous {
				t.Fatalf("jitter %.3f: attempt %d waits %s, shorter than %s", fraction, attempt, delay, previous)
			}
			if delay > time.Hour {
				t.Fatalf("jitter %.3f: attempt %d waits %s, past the cap", fraction, attempt, delay)
			}
			previous = delay
		}
	}
}

func TestRetryDelayBounds(t *testing.T) {
	low := RetryPolicy{Base: 30 * time.Second, Cap: time.Hour, Jitter: func() float64 { return 0 }}
	high := RetryPolicy{Base: 30 * time.Second, Cap: time.Hour, Jitter: func() float64 { return 0.999999 }}

	if got := low.Delay(1, 0); got != 15*time.Second {
		t.Fatalf("expected 15s floor for the first retry, got %s", got)
	}
	if got := high.Delay(1, 0); got > 30*time.Second || got < 29*time.Second {
		t.Fatalf("expected close to 30s ceiling, got %s", got)
	}
	if got := low.Delay(3, 0); got != 60*time.Second {
		t.Fatalf("expected the previous ceiling as the floor, got %s", got)
	}
	if got := low.Delay(20, 0); got != time.Hour {
		t.Fatalf("expected the cap for late attempts, got %s", got)
	}
}

func TestRetryAfterRaisesButRespectsCap(t *testing.T) {
	policy := RetryPolicy{Base: 30 * time.Second, Cap: 10 * time.Minute, Jitter: func() float64 { return 0 }}
	if got := policy.Delay(1, 2*time.Minute); got != 2*time.Minute {
		t.Fatalf("expected Retry-After to win, got %s", got)
	}
	if got := policy.Delay(1, 5*time.Second); got != 15*time.Second {
		t.Fatalf("expected a short Retry-After to be ignored, got %s", got)
	}
	if got := policy.Delay(1, time.Hour); got != 10*time.Minute {
		t.Fatalf("expected Retry-After capped, got %s", got)
	}
}

func TestRetryExhausted(t *testing.T) {
	policy := DefaultSyncRetryPolicy()
	if policy.Exhausted(7) {
		t.Fatalf("attempt 7 of 8 should not be exhausted")
	}
	if !policy.Exhausted(8) {
		t.Fatalf("attempt 8 of 8 should be exhausted")
	}
	if !(RetryPolicy{}).Exhausted(8) {
		t.Fatalf("zero policy should default to 8 attempts")
	}
}
