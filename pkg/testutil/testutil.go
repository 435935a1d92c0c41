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

// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
)

// AwaitTimeout bounds every Await in tests.
const AwaitTimeout = 5 * time.Second

// ExecutorConfig returns a small executor configuration for tests.
func ExecutorConfig() singlewriter.Config {
	return singlewriter.Config{
		PoolSize:            2,
		CreditsPerExecution: 16,
		BucketCount:         4,
		CheckInterval:       10 * time.Millisecond,
	}
}

// NewExecutor starts an executor stopped at the end of the test.
func NewExecutor(t testing.TB, cfg singlewriter.Config) *singlewriter.Executor {
	t.Helper()
	e, err := singlewriter.NewExecutor(cfg)
	require.NoError(t, err)
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), AwaitTimeout)
		defer cancel()
		require.NoError(t, e.Stop(ctx))
	})
	return e
}

// Await waits for f and fails the test on error or timeout.
func Await[T any](t testing.TB, f *future.Future[T]) T {
	t.Helper()
	v, err := AwaitErr(t, f)
	require.NoError(t, err)
	return v
}

// AwaitErr waits for f and returns its result.
func AwaitErr[T any](t testing.TB, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), AwaitTimeout)
	defer cancel()
	return f.Await(ctx)
}
