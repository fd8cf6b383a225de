package utils

import (
	"context"
	"errors"
)

// ErrNoAttempts is returned by FirstSuccess when it is given nothing to run.
var ErrNoAttempts = errors.New("no attempts supplied")

// Attempt is one strategy raced by FirstSuccess.
type Attempt[T any] func(ctx context.Context) (T, error)

type attemptResult[T any] struct {
	index int
	value T
	err   error
}

// FirstSuccess runs every attempt concurrently and returns the value of the
// first one that succeeds along with its index. The context handed to the
// attempts is cancelled as soon as a winner is known, so losing attempts stop
// their work. If every attempt fails, the joined errors are returned.
func FirstSuccess[T any](ctx context.Context, attempts ...Attempt[T]) (T, int, error) {
	var zero T
	if len(attempts) == 0 {
		return zero, -1, ErrNoAttempts
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult[T], len(attempts))
	for i, attempt := range attempts {
		go func(i int, attempt Attempt[T]) {
			v, err := attempt(raceCtx)
			results <- attemptResult[T]{index: i, value: v, err: err}
		}(i, attempt)
	}

	errs := make([]error, 0, len(attempts))
	for range attempts {
		r := <-results
		if r.err == nil {
			return r.value, r.index, nil
		}
		errs = append(errs, r.err)
	}
	return zero, -1, errors.Join(errs...)
}
