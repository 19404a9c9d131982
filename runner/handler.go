package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler runs a function with a per-attempt timeout and bounded retries.
// Collaborator lookups and optimistic-lock retries go through it.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	retryIf       func(error) bool

	runs           int
	successfulRuns int

	maxRetries int
	timeout    time.Duration
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds, the retry budget is spent, the retry
// predicate rejects the error or ctx ends. It returns the last error unchanged.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if h == nil {
		return fn(ctx)
	}
	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	retryIf := h.retryIf
	h.mu.Unlock()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = h.attempt(ctx, fn)
		if err == nil {
			break
		}
		if attempt == maxRetries || (retryIf != nil && !retryIf(err)) {
			break
		}
		h.handleError(apperrors.Wrap(err, apperrors.CategoryOperation,
			fmt.Sprintf("attempt %d of %d failed", attempt+1, maxRetries+1)))

		if delay := strategy.SleepDuration(attempt, err); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	h.mu.Lock()
	h.runs++
	if err == nil {
		h.successfulRuns++
	}
	h.mu.Unlock()

	if err != nil {
		h.logError("run failed: %v", err)
	}
	return err
}

func (h *Handler) attempt(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	actx, cancel := h.contextWithSettings(ctx)
	defer cancel()
	return fn(actx)
}

// Stats returns the number of completed and successful runs.
func (h *Handler) Stats() (runs, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) handleError(err error) {
	if h.errorHandler != nil {
		h.errorHandler(err)
	}
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(parent, h.timeout)
	}
	return parent, func() {}
}

// Call runs a value-returning function through the handler.
func Call[R any](ctx context.Context, h *Handler, fn func(context.Context) (R, error)) (R, error) {
	var result R
	err := h.Run(ctx, func(ctx context.Context) error {
		out, err := fn(ctx)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	return result, err
}
