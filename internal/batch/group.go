package batch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Worker pairs a consumer with the strategy it runs
type Worker struct {
	Consumer *Consumer
	Strategy Strategy
}

// RunWorkers runs independent consumers concurrently. They share no state;
// the first one to fail cancels the others and its error is returned.
// Cancellation of ctx itself is not reported as an error.
func RunWorkers(ctx context.Context, workers ...Worker) error {
	if len(workers) == 0 {
		return fmt.Errorf("%w: no workers", ErrInvalidConfig)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Consumer.Run(gctx, w.Strategy)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
