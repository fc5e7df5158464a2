// Package concurrency holds the bounded worker pools used to fan tile work out
// across goroutines.
package concurrency

import (
	"context"
	"runtime"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a new pool where each task respects context cancellation.
// The first task error cancels the context handed to the remaining tasks and is
// the error returned by Wait. Panics in tasks are re-raised by Wait.
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(Workers(maxGoroutines))
}

// Workers normalizes a configured worker count: values below one mean one
// worker per available CPU.
func Workers(n int) int {
	if n < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}
