package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 3, "op", func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 3, "op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhaustsAttemptsAndWrapsAsBusinessLogicError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 2, "downtime.SaveEvent", func() error {
		attempts++
		return errors.New("persistent failure")
	})

	if err == nil {
		t.Fatal("expected an error after exhausting all attempts")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if !contains(err.Error(), "downtime.SaveEvent") || !contains(err.Error(), "persistent failure") {
		t.Errorf("error %q should name the op and wrap the last failure", err.Error())
	}
}

func TestDoDefaultsNonPositiveAttempts(t *testing.T) {
	attempts := 0
	Do(context.Background(), 0, "op", func() error {
		attempts++
		return errors.New("fail")
	})

	if attempts != defaultAttempts {
		t.Errorf("attempts = %d, want default %d", attempts, defaultAttempts)
	}
}

func TestDoStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, "op", func() error {
		attempts++
		return errors.New("fail")
	})

	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts >= 10 {
		t.Errorf("attempts = %d, expected cancellation to cut the retry loop short", attempts)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || (len(substr) > 0 && indexOf(s, substr) >= 0))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
