package dispatch

import (
	"context"
	"sync"

	"execution-core/internal/model"
)

// Future is the pending outcome of a dispatched signal. Duplicate dispatches
// of the same correlation id share one Future.
type Future struct {
	CorrelationID string

	once sync.Once
	done chan struct{}
	res  model.ExecutionResult
	err  error
}

func newFuture(correlationID string) *Future {
	return &Future{CorrelationID: correlationID, done: make(chan struct{})}
}

func completedFuture(res model.ExecutionResult) *Future {
	f := newFuture(res.CorrelationID)
	f.complete(res, nil)
	return f
}

func (f *Future) complete(res model.ExecutionResult, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks for the result or until ctx ends. Giving up waiting does not
// cancel the signal; use Dispatcher.Cancel for that.
func (f *Future) Wait(ctx context.Context) (model.ExecutionResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return model.ExecutionResult{}, ctx.Err()
	}
}

// Result returns the result without blocking; ok is false while pending.
func (f *Future) Result() (res model.ExecutionResult, ok bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return model.ExecutionResult{}, false
	}
}

// Err is the dispatch-level error, set only for failures that never reached
// the engine such as an AuthError.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}
