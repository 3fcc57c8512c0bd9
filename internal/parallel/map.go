package parallel

import (
	"context"
	"fmt"
	"iter"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of mapFunc for a single input.
type Result[E, D any] struct {
	Input E
	Value D
	Err   error
}

// PanicError is returned in Result.Err when mapFunc panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Map runs mapFunc for every input in its own goroutine and yields the
// results in completion order. The iterator body is the only consumer, so
// state touched there needs no extra locking. limit <= 0 starts all inputs
// at once. A panic in mapFunc is recovered and reported as *PanicError.
//
//	for r := range parallel.Map(ctx, 0, modules, probe) {}
func Map[E, D any](ctx context.Context, limit int, inputs []E, mapFunc func(context.Context, E) (D, error)) iter.Seq[Result[E, D]] {
	return func(yield func(Result[E, D]) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var g errgroup.Group
		if limit > 0 {
			g.SetLimit(limit)
		}

		// buffered for every input, so workers never block on a consumer
		// which stopped early
		mapped := make(chan Result[E, D], len(inputs))
		go func() {
			for _, input := range inputs {
				g.Go(func() error {
					d, err := protect(ctx, mapFunc, input)
					mapped <- Result[E, D]{Input: input, Value: d, Err: err}
					return nil
				})
			}
			_ = g.Wait() // goroutines do not return an error
			close(mapped)
		}()

		for r := range mapped {
			if !yield(r) {
				return
			}
		}
	}
}

func protect[E, D any](ctx context.Context, mapFunc func(context.Context, E) (D, error), input E) (d D, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return mapFunc(ctx, input)
}
