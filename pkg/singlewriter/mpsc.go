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

package singlewriter

import (
	"go.uber.org/atomic"
)

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// mpscQueue is an unbounded multi-producer single-consumer FIFO.
// Push may be called from any goroutine; Pop only by the goroutine holding
// the owning taskQueue lock.
type mpscQueue[T any] struct {
	head atomic.Pointer[node[T]]
	tail *node[T]
}

func newMpscQueue[T any]() *mpscQueue[T] {
	stub := new(node[T])
	q := &mpscQueue[T]{tail: stub}
	q.head.Store(stub)
	return q
}

// Push appends value. Pushes from one goroutine keep their order.
func (q *mpscQueue[T]) Push(value T) {
	n := &node[T]{value: value}
	prev := q.head.Swap(n)
	prev.next.Store(n)
}

// Pop removes the oldest value. It returns false when the queue is empty or
// a concurrent Push has not linked its node yet.
func (q *mpscQueue[T]) Pop() (T, bool) {
	var zero T
	next := q.tail.next.Load()
	if next == nil {
		return zero, false
	}
	q.tail = next
	value := next.value
	next.value = zero
	return value, true
}
