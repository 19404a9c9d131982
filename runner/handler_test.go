package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingFunc struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	err       error
}

func (c *countingFunc) fn(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failUntil {
		if c.err != nil {
			return c.err
		}
		return errors.New("transient")
	}
	return nil
}

func TestHandler_NoError_NoRetries(t *testing.T) {
	h := NewHandler()
	cf := &countingFunc{}

	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cf.calls != 1 {
		t.Errorf("expected calls=1, got %d", cf.calls)
	}
	runs, ok := h.Stats()
	if runs != 1 || ok != 1 {
		t.Errorf("expected 1 run and 1 success, got %d/%d", runs, ok)
	}
}

func TestHandler_SuccessOnSecondAttempt(t *testing.T) {
	var reported []error
	h := NewHandler(WithMaxRetries(3), WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))
	cf := &countingFunc{failUntil: 1}

	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cf.calls != 2 {
		t.Errorf("expected calls=2, got %d", cf.calls)
	}
	if len(reported) != 1 {
		t.Errorf("expected one reported attempt failure, got %d", len(reported))
	}
}

func TestHandler_AllAttemptsFailReturnsLastError(t *testing.T) {
	sentinel := errors.New("still failing")
	h := NewHandler(WithMaxRetries(2))
	cf := &countingFunc{failUntil: 5, err: sentinel}

	err := h.Run(context.Background(), cf.fn)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if cf.calls != 3 {
		t.Errorf("expected calls=3 (1 initial + 2 retries), got %d", cf.calls)
	}
	if _, ok := h.Stats(); ok != 0 {
		t.Errorf("expected no successful runs, got %d", ok)
	}
}

func TestHandler_RetryIfStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	h := NewHandler(WithMaxRetries(5), WithRetryIf(func(err error) bool {
		return !errors.Is(err, permanent)
	}))
	cf := &countingFunc{failUntil: 5, err: permanent}

	if err := h.Run(context.Background(), cf.fn); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if cf.calls != 1 {
		t.Errorf("expected a single call, got %d", cf.calls)
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := NewHandler(WithTimeout(50 * time.Millisecond))

	start := time.Now()
	err := h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout not applied, took %s", elapsed)
	}
}

func TestHandler_CanceledContextSkipsAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := NewHandler(WithMaxRetries(3))
	cf := &countingFunc{}

	if err := h.Run(ctx, cf.fn); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if cf.calls != 0 {
		t.Errorf("expected no calls, got %d", cf.calls)
	}
}

func TestCallReturnsValue(t *testing.T) {
	h := NewHandler(WithMaxRetries(1))
	attempts := 0
	got, err := Call(context.Background(), h, func(context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("first")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
}

func TestExponentialBackoffStrategy(t *testing.T) {
	s := ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 2, Max: 30 * time.Millisecond}
	if d := s.SleepDuration(0, nil); d != 10*time.Millisecond {
		t.Errorf("attempt 0: got %s", d)
	}
	if d := s.SleepDuration(1, nil); d != 20*time.Millisecond {
		t.Errorf("attempt 1: got %s", d)
	}
	if d := s.SleepDuration(4, nil); d != 30*time.Millisecond {
		t.Errorf("attempt 4 should cap at max, got %s", d)
	}
}
