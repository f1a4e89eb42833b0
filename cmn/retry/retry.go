// Package retry implements bounded exponential backoff for transient
// transport failures: the one retry budget a call gets before its
// error is surfaced to the caller as-is. Configuration and
// operation-failed errors are never retried; callers gate what counts
// as transient via the retriable predicate.
package retry

import (
	"context"
	"time"
)

// Args bounds one retry loop.
type Args struct {
	// Attempts is the total number of tries, first call included.
	Attempts int
	// Base is the first backoff delay; each subsequent delay doubles.
	Base time.Duration
	// Retriable, when non-nil, stops the loop early on errors that
	// retrying cannot fix.
	Retriable func(error) bool
}

func (a *Args) defaults() {
	if a.Attempts <= 0 {
		a.Attempts = 3
	}
	if a.Base <= 0 {
		a.Base = 250 * time.Millisecond
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, a
// non-retriable error occurs, or ctx is done. The last error is
// returned unwrapped so the caller's typed-error classification
// survives the loop.
func Do(ctx context.Context, args Args, fn func() error) error {
	args.defaults()
	var err error
	delay := args.Base
	for i := 0; i < args.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if args.Retriable != nil && !args.Retriable(err) {
			return err
		}
		if i == args.Attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
	}
	return err
}
