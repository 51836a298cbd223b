package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TickAll ticks every configured track through a bounded worker pool.
// Each track gets its own timeout; one track's failure never cancels the
// others. Results come back in configuration order.
func (e *Engine) TickAll(ctx context.Context, dryRun bool) []*Result {
	results := make([]*Result, len(e.cfg.Tracks))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Settings.MaxConcurrentTracks)

	for i := range e.cfg.Tracks {
		i := i
		name := e.cfg.Tracks[i].Name
		g.Go(func() error {
			tickCtx, cancel := context.WithTimeout(ctx, e.cfg.Settings.TickTimeout.Std())
			defer cancel()

			res := e.Tick(tickCtx, name, dryRun)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			// Failures are reported per-result; returning them here would
			// cancel the sibling tracks.
			return nil
		})
	}
	_ = g.Wait()
	return results
}
