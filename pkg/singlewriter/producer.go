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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/future"
)

// Task is the unit of work executed on the goroutine owning bucket.
type Task[R any] func(bucket int) (R, error)

// BucketIndex maps key onto one of bucketCount buckets. The mapping is pure.
func BucketIndex(key string, bucketCount int) int {
	return int(xxhash.Sum64String(key) % uint64(bucketCount))
}

// ProducerQueues is the submission side of one persistence domain.
type ProducerQueues struct {
	executor        *Executor
	domain          Domain
	queues          []*taskQueue
	bucketCount     int
	bucketsPerQueue int

	mu            sync.Mutex
	shutdown      *atomic.Bool
	shutdownStart *atomic.Time
	closeFuture   *future.Future[struct{}]
}

func newProducerQueues(e *Executor, d Domain, queues []*taskQueue) *ProducerQueues {
	return &ProducerQueues{
		executor:        e,
		domain:          d,
		queues:          queues,
		bucketCount:     e.cfg.BucketCount,
		bucketsPerQueue: e.cfg.BucketCount / len(queues),
		shutdown:        atomic.NewBool(false),
		shutdownStart:   atomic.NewTime(time.Time{}),
	}
}

// Domain returns the persistence domain of the producer.
func (p *ProducerQueues) Domain() Domain {
	return p.domain
}

// BucketCount returns the number of buckets of the domain.
func (p *ProducerQueues) BucketCount() int {
	return p.bucketCount
}

// GetBucket returns the bucket owning key.
func (p *ProducerQueues) GetBucket(key string) int {
	return BucketIndex(key, p.bucketCount)
}

// QueueIndex returns the queue draining bucket.
func (p *ProducerQueues) QueueIndex(bucket int) int {
	return bucket / p.bucketsPerQueue
}

// IsShuttingDown reports whether Shutdown was called.
func (p *ProducerQueues) IsShuttingDown() bool {
	return p.shutdown.Load()
}

// rejects reports whether new submissions must be refused: the producer is
// shutting down and the grace period has elapsed.
func (p *ProducerQueues) rejects() bool {
	if !p.shutdown.Load() {
		return false
	}
	return time.Since(p.shutdownStart.Load()) > p.executor.cfg.GracePeriod
}

// Submit runs task on the bucket owning key.
func Submit[R any](p *ProducerQueues, key string, task Task[R]) *future.Future[R] {
	return SubmitBucket(p, p.GetBucket(key), task)
}

// SubmitBucket runs task on bucket. Tasks submitted to the same bucket run in
// submission order. After the shutdown grace period the returned future never
// completes.
func SubmitBucket[R any](p *ProducerQueues, bucket int, task Task[R]) *future.Future[R] {
	if p.rejects() {
		return future.Never[R]()
	}
	return submit(p, bucket, task)
}

func submit[R any](p *ProducerQueues, bucket int, task Task[R]) *future.Future[R] {
	if bucket < 0 || bucket >= p.bucketCount {
		return future.Failed[R](fmt.Errorf("bucket %d out of range [0,%d)", bucket, p.bucketCount))
	}
	f := future.New[R]()
	p.executor.enqueue(p.queues[p.QueueIndex(bucket)], work{
		run: func() error {
			f.Run(func() (R, error) { return task(bucket) })
			_, err := f.Await(context.Background())
			return err
		},
	})
	return f
}

// SubmitToAllBucketsParallel runs task on every bucket independently. The
// result holds one value per bucket in bucket order.
func SubmitToAllBucketsParallel[R any](p *ProducerQueues, task Task[R]) *future.Future[[]R] {
	futures := make([]*future.Future[R], p.bucketCount)
	for b := range futures {
		futures[b] = SubmitBucket(p, b, task)
	}
	return future.AllOf(futures...)
}

// SubmitToAllBucketsSequential runs task on bucket 0, then bucket 1 once the
// first finished, and so on. The first failure stops the chain.
func SubmitToAllBucketsSequential(p *ProducerQueues, task Task[struct{}]) *future.Future[struct{}] {
	result := future.New[struct{}]()
	var next func(bucket int)
	next = func(bucket int) {
		if bucket == p.bucketCount {
			result.Success(struct{}{})
			return
		}
		SubmitBucket(p, bucket, task).OnComplete(func(_ struct{}, err error) {
			if err != nil {
				result.Failure(fmt.Errorf("bucket %d: %w", bucket, err))
				return
			}
			next(bucket + 1)
		})
	}
	next(0)
	return result
}

// Shutdown stops accepting tasks once the grace period has elapsed and then
// runs finalTask, which may be nil, on every bucket. The returned future
// completes when that drain has finished; every call returns the same future.
func (p *ProducerQueues) Shutdown(finalTask Task[struct{}]) *future.Future[struct{}] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeFuture != nil {
		return p.closeFuture
	}

	p.shutdownStart.Store(time.Now())
	p.shutdown.Store(true)
	p.closeFuture = future.New[struct{}]()
	closeFuture := p.closeFuture

	p.executor.logger.Debug("shutting down producer queues",
		zap.Stringer("domain", p.domain),
		zap.Duration("grace_period", p.executor.cfg.GracePeriod))

	time.AfterFunc(p.executor.cfg.GracePeriod+shutdownBuffer, func() {
		drains := make([]*future.Future[struct{}], p.bucketCount)
		for b := range drains {
			drains[b] = submit(p, b, func(bucket int) (struct{}, error) {
				if finalTask == nil {
					return struct{}{}, nil
				}
				return finalTask(bucket)
			})
		}
		future.AllOf(drains...).OnComplete(func(_ []struct{}, err error) {
			closeFuture.Complete(struct{}{}, err)
		})
	})
	return closeFuture
}
