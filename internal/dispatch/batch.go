package dispatch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Batch runs reqs concurrently and returns the results in request order.
// Requests are admitted strictly in submission order: the loop takes an
// admission slot before starting each one, so at most the configured number
// run at once.
func (d *Dispatcher) Batch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	d.metrics.RecordParallel(len(reqs))
	d.PruneCache()

	var g errgroup.Group
	for i, req := range reqs {
		handler, res, ok := d.prepare(req)
		if !ok {
			results[i] = res
			continue
		}
		if err := d.sem.Acquire(ctx, 1); err != nil {
			results[i] = rejected(req, err)
			continue
		}
		g.Go(func() error {
			defer d.sem.Release(1)
			results[i] = d.serve(ctx, req, handler)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
