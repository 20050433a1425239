// Package async provides the promise/future and worker-pool primitives the
// runtime uses to bridge callers onto single-writer dispatchers: a mailbox
// completes a promise when an envelope finishes processing, and the caller
// awaits the paired future with its own context.
package async

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Future represents the result of an asynchronous computation. Consumers
// wait for the result with Await, transform it with ThenApply, or register
// a completion callback with OnComplete.
type Future[T any] interface {
	// Await blocks until the result is available or the context is
	// cancelled, then returns it. Cancellation produces an error result
	// carrying the context's error.
	Await(ctx context.Context) fn.Result[T]

	// ThenApply returns a new future whose value is the original result
	// transformed by f. Error results pass through untransformed.
	ThenApply(ctx context.Context, f func(T) T) Future[T]

	// OnComplete registers a callback invoked once the result is ready,
	// or with the context's error if ctx trips first.
	OnComplete(ctx context.Context, f func(fn.Result[T]))
}

// Promise is the producer side of a Future. The first Complete call wins;
// later calls are ignored.
type Promise[T any] interface {
	// Future returns the consumer-side handle for this promise.
	Future() Future[T]

	// Complete attempts to set the result. It returns true if this call
	// set the result, false if the promise was already completed.
	Complete(result fn.Result[T]) bool
}

// promise is the single concrete implementation behind both interfaces.
type promise[T any] struct {
	// done is closed exactly once when the result is set.
	done chan struct{}

	// once guards the close of done.
	once sync.Once

	// result holds the completed value. It is written before done is
	// closed and only read after done is observed closed.
	result fn.Result[T]
}

// NewPromise creates an incomplete promise.
func NewPromise[T any]() Promise[T] {
	return &promise[T]{
		done: make(chan struct{}),
	}
}

// Complete sets the result if no prior call did.
func (p *promise[T]) Complete(result fn.Result[T]) bool {
	won := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		won = true
	})

	return won
}

// Future returns the consumer handle. The promise doubles as its own
// future.
func (p *promise[T]) Future() Future[T] {
	return p
}

// Await blocks until completion or context cancellation.
func (p *promise[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.done:
		return p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// ThenApply derives a transformed future.
func (p *promise[T]) ThenApply(ctx context.Context,
	f func(T) T) Future[T] {

	next := NewPromise[T]()
	go func() {
		res := p.Await(ctx)
		val, err := res.Unpack()
		if err != nil {
			next.Complete(fn.Err[T](err))
			return
		}

		next.Complete(fn.Ok(f(val)))
	}()

	return next.Future()
}

// OnComplete registers a completion callback on a fresh goroutine.
func (p *promise[T]) OnComplete(ctx context.Context,
	f func(fn.Result[T])) {

	go func() {
		f(p.Await(ctx))
	}()
}

// CompleteErr is a convenience for completing a promise with an error.
func CompleteErr[T any](p Promise[T], err error) bool {
	return p.Complete(fn.Err[T](err))
}

// CompleteOk is a convenience for completing a promise with a value.
func CompleteOk[T any](p Promise[T], val T) bool {
	return p.Complete(fn.Ok(val))
}
