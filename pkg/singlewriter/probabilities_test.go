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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func TestComputeProbabilitiesNothingPending(t *testing.T) {
	probs := ComputeProbabilities([]int64{0, 0, 0, 0})
	assert.Equal(t, []float64{25, 25, 25, 25}, probs)
}

func TestComputeProbabilitiesProportional(t *testing.T) {
	probs := ComputeProbabilities([]int64{10, 20, 30, 40})
	assert.InDeltaSlice(t, []float64{10, 20, 30, 40}, probs, 1e-9)
}

func TestComputeProbabilitiesFloor(t *testing.T) {
	probs := ComputeProbabilities([]int64{1000, 0, 0, 0})
	assert.InDeltaSlice(t, []float64{85, 5, 5, 5}, probs, 1e-9)

	probs = ComputeProbabilities([]int64{1, 1, 1, 97})
	assert.InDeltaSlice(t, []float64{5, 5, 5, 85}, probs, 1e-9)
}

func TestComputeProbabilitiesInvariants(t *testing.T) {
	cases := [][]int64{
		{1, 2, 3, 4},
		{0, 0, 1, 0},
		{3, 100000, 7, 0},
		{50, 50, 1, 1},
		{4, 4, 4, 88},
	}
	for _, pending := range cases {
		probs := ComputeProbabilities(pending)
		require.Len(t, probs, len(pending))
		assert.InDelta(t, 100, sum(probs), 1e-9, "pending=%v", pending)
		for i, p := range probs {
			assert.GreaterOrEqual(t, p, MinProbability-1e-9, "pending=%v domain=%d", pending, i)
		}
	}
}

func TestPickIndex(t *testing.T) {
	probs := []float64{10, 20, 30, 40}
	assert.Equal(t, 0, pickIndex(probs, 0))
	assert.Equal(t, 0, pickIndex(probs, 9.99))
	assert.Equal(t, 1, pickIndex(probs, 10))
	assert.Equal(t, 2, pickIndex(probs, 59))
	assert.Equal(t, 3, pickIndex(probs, 99.999))
	assert.Equal(t, 3, pickIndex(probs, 100))
}
