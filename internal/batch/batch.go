// Package batch runs a collection through a worker function in fixed-size
// batches. All items within a batch run concurrently and the batch settles
// fully (an item failure never aborts its siblings) before a checkpoint
// callback fires, so a crash loses at most one batch width of work.
package batch

import (
	"context"
	"fmt"
	"sync"
)

// Result records the outcome of one item.
type Result[T any] struct {
	Item  T
	Index int // position in the original collection
	Err   error
}

// Failed returns the subset of results that carry an error.
func Failed[T any](results []Result[T]) []Result[T] {
	var failed []Result[T]
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Process runs fn over items in batches of the given width. After each batch
// settles, checkpoint (optional) receives the batch's outcomes in collection
// order and may persist partial results; a checkpoint error stops processing
// before the next batch. Item errors are reported through Results only —
// Process itself returns an error for cancellation or checkpoint failure.
func Process[T any](
	ctx context.Context,
	items []T,
	width int,
	fn func(ctx context.Context, item T) error,
	checkpoint func(ctx context.Context, results []Result[T]) error,
) error {
	if width <= 0 {
		width = 1
	}

	for start := 0; start < len(items); start += width {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + width
		if end > len(items) {
			end = len(items)
		}

		results := make([]Result[T], end-start)
		var wg sync.WaitGroup
		for i, item := range items[start:end] {
			wg.Add(1)
			go func(i int, item T) {
				defer wg.Done()
				results[i] = Result[T]{Item: item, Index: start + i, Err: runOne(ctx, item, fn)}
			}(i, item)
		}
		wg.Wait()

		if checkpoint != nil {
			if err := checkpoint(ctx, results); err != nil {
				return fmt.Errorf("checkpoint after batch ending at %d: %w", end, err)
			}
		}
	}
	return nil
}

// runOne converts a worker panic into an item error so one bad item cannot
// take down the whole run.
func runOne[T any](ctx context.Context, item T, fn func(ctx context.Context, item T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item panicked: %v", r)
		}
	}()
	return fn(ctx, item)
}
