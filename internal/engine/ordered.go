package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Ordered runs fn(ctx, i) for i in [0, n) on up to workers goroutines and
// calls emit(i, v) strictly in index order from the calling goroutine.
//
// At most 2*workers results are computed ahead of the last emitted index. The
// first error from fn or emit cancels the remaining work and is returned.
func Ordered[T any](ctx context.Context, n, workers int, fn func(ctx context.Context, i int) (T, error), emit func(i int, v T) error) error {
	if n == 0 {
		return ctx.Err()
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	slots := make([]chan T, n)
	for i := range slots {
		slots[i] = make(chan T, 1)
	}
	// ahead holds one token per result not yet emitted.
	ahead := make(chan struct{}, 2*workers)
	finished := make(chan error, 1)

	go func() {
		defer func() { finished <- g.Wait() }()
		for i := range n {
			if gctx.Err() != nil {
				return
			}
			select {
			case ahead <- struct{}{}:
			case <-gctx.Done():
				return
			}
			g.Go(func() error {
				v, err := fn(gctx, i)
				if err != nil {
					return err
				}
				slots[i] <- v
				return nil
			})
		}
	}()

	var emitErr error
loop:
	for i := range n {
		if err := ctx.Err(); err != nil {
			emitErr = err
			break
		}
		select {
		case v := <-slots[i]:
			<-ahead
			if err := emit(i, v); err != nil {
				emitErr = err
				break loop
			}
		case err := <-finished:
			// All workers are done; results may still be buffered.
			for ; i < n; i++ {
				select {
				case v := <-slots[i]:
					if emitErr = emit(i, v); emitErr != nil {
						return emitErr
					}
				default:
					if err != nil {
						return err
					}
					return ctx.Err()
				}
			}
			return err
		case <-ctx.Done():
			emitErr = ctx.Err()
			break loop
		}
	}
	if emitErr != nil {
		cancel()
		<-finished
		return emitErr
	}
	return <-finished
}
