// Package worker runs batch items with bounded parallelism.
package worker

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ForEach calls fn for every item with at most limit calls in flight.
//
// Cancelling ctx stops new items from starting. Items that never started are
// returned in their original order. Items already running keep going on a
// context that is detached from ctx's cancellation, so fn must bound its own
// work (for example with context.WithTimeout).
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T)) (skipped []T) {
	if limit <= 0 {
		limit = 1
	}
	detached := context.WithoutCancel(ctx)

	var (
		mu      sync.Mutex
		skipIdx []int
	)
	skip := func(i int) {
		mu.Lock()
		skipIdx = append(skipIdx, i)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i := range items {
		if ctx.Err() != nil {
			skip(i)
			continue
		}
		g.Go(func() error {
			// Go may have waited for a free slot; re-check before starting.
			if ctx.Err() != nil {
				skip(i)
				return nil
			}
			fn(detached, items[i])
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(skipIdx)
	skipped = make([]T, 0, len(skipIdx))
	for _, i := range skipIdx {
		skipped = append(skipped, items[i])
	}
	return skipped
}
