// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package future provides a single-assignment result handle used to hand
// results of asynchronous work between goroutines.
//
// A Future is completed exactly once, either with a value or with an error.
// Errors are never propagated by panicking across goroutines: they travel
// inside the Future and are observed through Await or OnComplete.
//
// Example usage:
//
//	f := future.Go(func() (int, error) {
//	    return compute(), nil
//	})
//
//	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
//	defer cancel()
//
//	value, err := f.Await(ctx)
package future

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrPanic wraps a value recovered from a panicking task.
var ErrPanic = errors.New("task panicked")

// Future is a writable, single-assignment container for a value of type T.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns an incomplete Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a Future already completed with value.
func Completed[T any](value T) *Future[T] {
	f := New[T]()
	f.Success(value)
	return f
}

// Failed returns a Future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Failure(err)
	return f
}

// Never returns a Future that is never completed. Callers receiving it must
// treat the submission as cancelled.
func Never[T any]() *Future[T] {
	return New[T]()
}

// Go runs task on a new goroutine and returns a Future for its result.
func Go[T any](task func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		f.Run(task)
	}()
	return f
}

// Run executes task on the calling goroutine and completes the Future with
// its outcome. A panic inside task fails the Future with ErrPanic.
func (f *Future[T]) Run(task func() (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			f.Failure(fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()
	value, err := task()
	f.Complete(value, err)
}

// Complete sets the result of the Future. It returns false when the Future
// was already completed, in which case the call has no effect.
func (f *Future[T]) Complete(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		invoke(cb, value, err)
	}
	return true
}

// invoke runs a completion callback. A panicking callback is logged and does
// not keep the remaining callbacks from running.
func invoke[T any](cb func(T, error), value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("future callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	cb(value, err)
}

// Success completes the Future with value.
func (f *Future[T]) Success(value T) bool {
	return f.Complete(value, nil)
}

// Failure completes the Future with err.
func (f *Future[T]) Failure(err error) bool {
	var zero T
	return f.Complete(zero, err)
}

// Done returns a channel closed once the Future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the Future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the value and error without blocking. ok is false while
// the Future is pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.completed {
		return value, nil, false
	}
	return f.value, f.err, true
}

// Await blocks until the Future completes or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run with the result. fn runs on the goroutine
// completing the Future, or immediately when it is already complete. A panic
// in fn is logged and recovered.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	invoke(fn, value, err)
}

// Then returns a Future completed with fn applied to the result of f.
// Failures of f are passed through without calling fn.
func Then[T, R any](f *Future[T], fn func(T) (R, error)) *Future[R] {
	next := New[R]()
	f.OnComplete(func(value T, err error) {
		if err != nil {
			next.Failure(err)
			return
		}
		next.Run(func() (R, error) { return fn(value) })
	})
	return next
}

// ThenAsync chains an asynchronous continuation onto f.
func ThenAsync[T, R any](f *Future[T], fn func(T) *Future[R]) *Future[R] {
	next := New[R]()
	f.OnComplete(func(value T, err error) {
		if err != nil {
			next.Failure(err)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				next.Failure(fmt.Errorf("%w: %v", ErrPanic, r))
			}
		}()
		fn(value).OnComplete(func(r R, err error) {
			next.Complete(r, err)
		})
	})
	return next
}

// Void drops the value of f, keeping only its outcome.
func Void[T any](f *Future[T]) *Future[struct{}] {
	return Then(f, func(T) (struct{}, error) { return struct{}{}, nil })
}

// AllOf completes once every input completes. The values keep the order of
// the inputs; the error is the first failure in input order.
func AllOf[T any](futures ...*Future[T]) *Future[[]T] {
	all := New[[]T]()
	if len(futures) == 0 {
		all.Success(nil)
		return all
	}

	var (
		mu      sync.Mutex
		pending = len(futures)
		values  = make([]T, len(futures))
		errs    = make([]error, len(futures))
	)
	for i, f := range futures {
		f.OnComplete(func(value T, err error) {
			mu.Lock()
			values[i] = value
			errs[i] = err
			pending--
			last := pending == 0
			mu.Unlock()
			if !last {
				return
			}
			for _, e := range errs {
				if e != nil {
					all.Failure(e)
					return
				}
			}
			all.Success(values)
		})
	}
	return all
}
