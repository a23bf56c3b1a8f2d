package lua

import (
	"context"

	"github.com/juju/errors"
)

// ChanSvc is a single-goroutine executor. Functions sent to it run one at a
// time in order; close the channel to stop it.
type ChanSvc chan func()

// SvcSync runs code on the executor and waits for its result. It gives up
// when ctx ends before the executor picks the code up.
func SvcSync[T any](ctx context.Context, s ChanSvc, code func() (T, error)) (T, error) {
	result := make(chan struct{})
	var value T
	var err error
	select {
	case s <- func() {
		defer close(result)
		value, err = code()
	}:
	case <-ctx.Done():
		return value, errors.Trace(ctx.Err())
	}
	<-result
	return value, err
}

// RunSvc starts the executor loop. The returned channel closes once the
// executor has been closed and drained.
func RunSvc(s ChanSvc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for cmd := range s {
			cmd()
		}
	}()
	return done
}
