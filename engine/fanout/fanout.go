// Package fanout implements the bounded concurrent fan-out spec.md §5
// requires for batched LLM calls and tool executions: "bounded fan-out for
// batched LLM calls and bounded fan-out for tool executions... progress
// between suspensions must not hold shared locks."
//
// Grounded on the teacher's general dispatch-then-collect shape seen in
// runtime/agent/runtime/tool_calls.go (dispatch concurrently, collect
// results by index), expressed here with a plain semaphore channel and
// sync.WaitGroup rather than Temporal futures, since this package runs
// in-process rather than inside a durable workflow. The concurrency bound
// and the call-start rate bound are independent (spec.md §4.3/§4.4's
// "bounded fan-out" caps how many calls run at once; a rate.Limiter caps how
// fast new ones start, protecting a rate-limited model provider), grounded
// on the teacher's own request throttling in
// features/model/middleware/ratelimit.go.
package fanout

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Run executes fn once per index in [0, n) with at most maxConcurrency
// calls in flight at a time, and returns their results in index order. If
// limiter is non-nil, each call additionally waits for a token before
// starting. If ctx is cancelled, in-flight calls are not interrupted but no
// new calls are started; their slots receive ctx.Err().
func Run[T any](ctx context.Context, n int, maxConcurrency int, limiter *rate.Limiter, fn func(ctx context.Context, i int) (T, error)) ([]T, []error) {
	if maxConcurrency <= 0 {
		maxConcurrency = n
	}
	results := make([]T, n)
	errs := make([]error, n)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				errs[i] = ctx.Err()
				return
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					errs[i] = err
					return
				}
			}
			results[i], errs[i] = fn(ctx, i)
		}(i)
	}
	wg.Wait()
	return results, errs
}
