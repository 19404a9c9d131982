package engine

import (
	"context"
	"time"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/runner"
)

// RetryOnConflict reruns fn while it fails with ConcurrentModification, up to
// attempts times in total. fn must reload whatever state it depends on.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	h := runner.NewHandler(
		runner.WithMaxRetries(attempts-1),
		runner.WithRetryIf(workflow.IsConcurrentModification),
		runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{
			Base:   5 * time.Millisecond,
			Factor: 2,
			Max:    100 * time.Millisecond,
		}),
	)
	return h.Run(ctx, fn)
}
