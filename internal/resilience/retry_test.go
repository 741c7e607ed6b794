package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// TestRetry_TransientThenSuccess verifies transient failures are retried.
func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	cfg := RetryConfig{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond, MaxAttempts: 3}

	got, attempts, err := Retry(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("transient error %d", calls)
		}
		return "success", nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if got != "success" {
		t.Errorf("expected 'success', got %q", got)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

// TestRetry_AttemptBudget verifies the attempt cap includes the first call.
func TestRetry_AttemptBudget(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		want        int
	}{
		{"single attempt", 1, 1},
		{"three attempts", 3, 3},
		{"default", 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: tt.maxAttempts}
			_, attempts, err := Retry(context.Background(), cfg, func(context.Context) (int, error) {
				return 0, errors.New("always")
			})
			if err == nil {
				t.Fatal("expected an error")
			}
			if attempts != tt.want {
				t.Errorf("expected %d attempts, got %d", tt.want, attempts)
			}
		})
	}
}

// TestRetry_PermanentStopsImmediately verifies Permanent errors are not retried.
func TestRetry_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("bad request")
	_, attempts, err := Retry(context.Background(), fastRetry, func(context.Context) (int, error) {
		return 0, Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

// TestRetry_ContextCancelledStopsRetry verifies cancellation stops retries quickly.
func TestRetry_ContextCancelledStopsRetry(t *testing.T) {
	cfg := RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		MaxElapsedTime:  10 * time.Second,
		MaxAttempts:     100,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := Retry(ctx, cfg, func(ctx context.Context) (int, error) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, errors.New("still failing")
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error due to context cancellation")
	}
	if elapsed > time.Second {
		t.Errorf("Retry took %v, expected the context to stop it", elapsed)
	}
}

// TestBreakerRegistry_PerWorker verifies breakers are keyed by worker id.
func TestBreakerRegistry_PerWorker(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{}, nil, nil)

	a1 := registry.Get("ocr")
	a2 := registry.Get("ocr")
	b := registry.Get("mailer")

	if a1 != a2 {
		t.Error("expected same circuit breaker instance for 'ocr'")
	}
	if a1 == b {
		t.Error("expected different circuit breaker instances for 'ocr' and 'mailer'")
	}
	if a1.Name() != "ocr" {
		t.Errorf("expected circuit breaker name 'ocr', got %q", a1.Name())
	}
	if registry.Open("ocr") {
		t.Error("a fresh breaker must be closed")
	}
	if registry.Open("never-seen") {
		t.Error("an unknown worker has no open breaker")
	}
}

// TestBreakerRegistry_TripsAndNotifies verifies the breaker opens after the
// configured consecutive failures and reports the transition.
func TestBreakerRegistry_TripsAndNotifies(t *testing.T) {
	var mu sync.Mutex
	var transitions []gobreaker.State
	registry := NewBreakerRegistry(BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, nil,
		func(workerID string, from, to gobreaker.State) {
			mu.Lock()
			defer mu.Unlock()
			if workerID == "flaky" {
				transitions = append(transitions, to)
			}
		})
	cb := registry.Get("flaky")

	for range 2 {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}

	if !registry.Open("flaky") {
		t.Fatalf("expected breaker to be open, got %v", cb.State())
	}
	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	if !isBreakerRejection(err) {
		t.Errorf("expected a breaker rejection, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Errorf("expected one transition to open, got %v", transitions)
	}
}

// TestBreakerRegistry_CancellationNotCounted verifies cancellation is not a worker failure.
func TestBreakerRegistry_CancellationNotCounted(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{ConsecutiveFailures: 1}, nil, nil)
	cb := registry.Get("slow")

	for range 5 {
		_, err := cb.Execute(func() (interface{}, error) { return nil, context.Canceled })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}

	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed after cancellations, got state: %v", state)
	}
}
