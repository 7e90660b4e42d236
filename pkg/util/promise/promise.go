// SPDX-License-Identifier: AGPL-3.0-only

// Package promise provides settle-once values that many goroutines can wait on,
// and a string-keyed map of them used by the caches to coalesce requests.
package promise

import (
	"context"
	"sync"
)

// Promise holds the eventual result of an asynchronous operation.
// It is settled exactly once, either with a value or with an error.
type Promise[T any] struct {
	done chan struct{}
	once sync.Once

	val T
	err error
}

// New returns a pending promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolved returns a promise already settled with v.
func Resolved[T any](v T) *Promise[T] {
	p := New[T]()
	p.Resolve(v)
	return p
}

// Rejected returns a promise already settled with err.
func Rejected[T any](err error) *Promise[T] {
	p := New[T]()
	p.Reject(err)
	return p
}

// Resolve settles the promise with v. It returns false if the promise was already settled.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(v, nil)
}

// Reject settles the promise with err. It returns false if the promise was already settled.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(v T, err error) bool {
	settled := false
	p.once.Do(func() {
		p.val, p.err = v, err
		close(p.done)
		settled = true
	})
	return settled
}

// Done returns a channel closed once the promise is settled.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the promise has a value or an error.
func (p *Promise[T]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the promise is settled or ctx is done. Giving up on ctx
// does not affect the promise: other waiters still observe its outcome.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	default:
	}

	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
